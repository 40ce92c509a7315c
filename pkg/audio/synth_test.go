package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestStreamConfig_FrameBytes(t *testing.T) {
	cfg := DefaultStreamConfig()
	if got := cfg.FrameBytes(); got != 2048 {
		t.Errorf("FrameBytes() = %d, want 2048", got)
	}
	want := time.Duration(1024) * time.Second / 44100
	if got := cfg.FrameDuration(); got != want {
		t.Errorf("FrameDuration() = %v, want %v", got, want)
	}
}

func TestSynthDevice_ReadBeforeOpen(t *testing.T) {
	d := NewToneDevice(DefaultStreamConfig(), SynthOptions{})
	_, err := d.ReadFrame(context.Background(), make([]byte, 2048))
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err = %v, want ErrNotOpen", err)
	}
}

func TestToneDevice_ProducesSignal(t *testing.T) {
	d := NewToneDevice(DefaultStreamConfig(), SynthOptions{Frequency: 440, Amplitude: 0.8})
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	buf := make([]byte, 2048)
	n, err := d.ReadFrame(context.Background(), buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("n = %d, want %d", n, len(buf))
	}

	var peak int16
	for i := 0; i < n; i += 2 {
		v := int16(binary.LittleEndian.Uint16(buf[i:]))
		if v > peak {
			peak = v
		}
	}
	// 1024 samples at 440 Hz cover ~10 periods, so the peak is reached.
	if peak < 20000 {
		t.Errorf("peak = %d, want a tone near 0.8 full scale", peak)
	}
}

func TestSilenceDevice_ProducesZeros(t *testing.T) {
	d := NewSilenceDevice(DefaultStreamConfig(), SynthOptions{})
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 2048)
	for i := range buf {
		buf[i] = 0xff
	}
	if _, err := d.ReadFrame(context.Background(), buf); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buf[%d] = %#x, want 0", i, b)
		}
	}
}

func TestSynthDevice_RealtimePacing(t *testing.T) {
	cfg := DefaultStreamConfig()
	d := NewSilenceDevice(cfg, SynthOptions{Realtime: true})
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, cfg.FrameBytes())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := d.ReadFrame(context.Background(), buf); err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
	}
	// The first read is immediate, the next two wait one frame each.
	if elapsed := time.Since(start); elapsed < 2*cfg.FrameDuration()-5*time.Millisecond {
		t.Errorf("3 paced reads took %v, want at least ~%v", elapsed, 2*cfg.FrameDuration())
	}
}

func TestSynthDevice_RealtimeRespectsContext(t *testing.T) {
	cfg := DefaultStreamConfig()
	cfg.FrameSamples = 44100 // one-second frames
	d := NewSilenceDevice(cfg, SynthOptions{Realtime: true})
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, cfg.FrameBytes())
	if _, err := d.ReadFrame(context.Background(), buf); err != nil {
		t.Fatalf("first ReadFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.ReadFrame(ctx, buf); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestSynthDevice_PlaybackCounted(t *testing.T) {
	d := NewToneDevice(DefaultStreamConfig(), SynthOptions{})
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.WriteFrame(context.Background(), make([]byte, 512)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := d.Played(); got != 512 {
		t.Errorf("Played() = %d, want 512", got)
	}
}

func TestSynthDevice_ClosedRejectsIO(t *testing.T) {
	d := NewToneDevice(DefaultStreamConfig(), SynthOptions{})
	_ = d.Open(context.Background())
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.ReadFrame(context.Background(), make([]byte, 2)); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("ReadFrame after Close: err = %v, want ErrDeviceClosed", err)
	}
	if err := d.Open(context.Background()); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Open after Close: err = %v, want ErrDeviceClosed", err)
	}
}

func TestDeviceError_Unwrap(t *testing.T) {
	base := errors.New("io failure")
	var err error = &DeviceError{Op: "capture", Err: base}
	if !errors.Is(err, base) {
		t.Error("errors.Is(DeviceError, base) = false")
	}
	if !IsDeviceError(err) {
		t.Error("IsDeviceError = false")
	}
	if got := err.Error(); got != "audio device capture: io failure" {
		t.Errorf("Error() = %q", got)
	}
}
