package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// SynthOptions configures a [SynthDevice].
type SynthOptions struct {
	// Frequency of the generated tone in Hz. Ignored for silence.
	Frequency float64

	// Amplitude of the tone in the range (0, 1]. Default: 0.5.
	Amplitude float64

	// Realtime paces ReadFrame so consecutive reads are one frame duration
	// apart, like a sound card delivering samples at the configured rate.
	Realtime bool
}

// SynthDevice is a synthetic [Device] that generates PCM instead of reading
// it from hardware. Playback data is accepted and discarded; the number of
// bytes played is available via [SynthDevice.Played].
type SynthDevice struct {
	cfg  StreamConfig
	opts SynthOptions
	tone bool

	mu     sync.Mutex
	open   bool
	closed bool
	phase  float64
	pace   pacer

	played atomic.Int64
}

// NewToneDevice returns a device that captures a continuous sine tone.
func NewToneDevice(cfg StreamConfig, opts SynthOptions) *SynthDevice {
	if opts.Amplitude <= 0 || opts.Amplitude > 1 {
		opts.Amplitude = 0.5
	}
	if opts.Frequency <= 0 {
		opts.Frequency = 1000
	}
	return &SynthDevice{cfg: cfg, opts: opts, tone: true, pace: pacer{frame: cfg.FrameDuration()}}
}

// NewSilenceDevice returns a device that captures digital silence.
func NewSilenceDevice(cfg StreamConfig, opts SynthOptions) *SynthDevice {
	return &SynthDevice{cfg: cfg, opts: opts, pace: pacer{frame: cfg.FrameDuration()}}
}

// Open implements [Device].
func (d *SynthDevice) Open(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if d.cfg.Format.SampleRate <= 0 || d.cfg.Format.Channels <= 0 || d.cfg.FrameSamples <= 0 {
		return errors.New("audio: invalid stream config")
	}
	d.open = true
	return nil
}

// ReadFrame implements [Device]. len(buf) must be a multiple of the frame's
// sample width times the channel count; trailing bytes are left untouched.
func (d *SynthDevice) ReadFrame(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return 0, err
	}
	if !d.cfg.Capture {
		return 0, errors.New("audio: capture direction disabled")
	}
	if d.opts.Realtime {
		if err := d.pace.wait(ctx); err != nil {
			return 0, err
		}
	}

	step := BytesPerSample * d.cfg.Format.Channels
	n := len(buf) - len(buf)%step
	if !d.tone {
		clear(buf[:n])
		return n, nil
	}

	inc := 2 * math.Pi * d.opts.Frequency / float64(d.cfg.Format.SampleRate)
	for i := 0; i < n; i += step {
		v := int16(d.opts.Amplitude * math.MaxInt16 * math.Sin(d.phase))
		for c := 0; c < d.cfg.Format.Channels; c++ {
			binary.LittleEndian.PutUint16(buf[i+c*BytesPerSample:], uint16(v))
		}
		d.phase += inc
		if d.phase >= 2*math.Pi {
			d.phase -= 2 * math.Pi
		}
	}
	return n, nil
}

// WriteFrame implements [Device].
func (d *SynthDevice) WriteFrame(_ context.Context, pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	if !d.cfg.Playback {
		return errors.New("audio: playback direction disabled")
	}
	d.played.Add(int64(len(pcm)))
	return nil
}

// Close implements [Device]. Subsequent calls return nil.
func (d *SynthDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.open = false
	return nil
}

// Played returns the total number of bytes accepted by WriteFrame.
func (d *SynthDevice) Played() int64 {
	return d.played.Load()
}

// usable must be called with d.mu held.
func (d *SynthDevice) usable() error {
	if d.closed {
		return ErrDeviceClosed
	}
	if !d.open {
		return ErrNotOpen
	}
	return nil
}

// pacer spaces successive reads one frame apart. If the caller falls behind
// by more than a frame it resynchronises instead of bursting to catch up.
type pacer struct {
	frame time.Duration
	next  time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > p.frame {
		p.next = now
	}
	if d := p.next.Sub(now); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	p.next = p.next.Add(p.frame)
	return nil
}
