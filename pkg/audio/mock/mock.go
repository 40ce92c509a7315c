// Package mock provides an in-memory mock implementation of [audio.Device]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	src := device.NewSource(dev, audio.DefaultStreamConfig())
//	_ = src.Open(ctx)
//	// ... dev.OpenCalls() == 1
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/repemul/repemul/pkg/audio"
)

// Device is a mock implementation of [audio.Device].
// Set the exported fields before use; inspect the call counters after.
type Device struct {
	mu sync.Mutex

	// OpenError is returned by [Device.Open].
	OpenError error

	// ReadError is returned by [Device.ReadFrame] when ReadFunc is nil.
	ReadError error

	// ReadFunc, when set, replaces the default ReadFrame behaviour.
	ReadFunc func(ctx context.Context, buf []byte) (int, error)

	// WriteError is returned by [Device.WriteFrame].
	WriteError error

	// CloseError is returned by [Device.Close].
	CloseError error

	// Fill is the byte value written into every captured frame. Default 0.
	Fill byte

	openCalls  atomic.Int64
	readCalls  atomic.Int64
	closeCalls atomic.Int64

	// inflight tracks concurrent ReadFrame calls; maxInflight is the peak.
	inflight    atomic.Int64
	maxInflight atomic.Int64

	// Played holds every buffer passed to WriteFrame, in order.
	Played [][]byte
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context) error {
	d.openCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.OpenError
}

// ReadFrame implements [audio.Device]. Without ReadFunc it fills buf with
// Fill and returns ReadError if set.
func (d *Device) ReadFrame(ctx context.Context, buf []byte) (int, error) {
	d.readCalls.Add(1)
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		peak := d.maxInflight.Load()
		if n <= peak || d.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}

	d.mu.Lock()
	fn, rerr, fill := d.ReadFunc, d.ReadError, d.Fill
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, buf)
	}
	if rerr != nil {
		return 0, rerr
	}
	for i := range buf {
		buf[i] = fill
	}
	return len(buf), nil
}

// WriteFrame implements [audio.Device]. The buffer is copied into Played.
func (d *Device) WriteFrame(_ context.Context, pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteError != nil {
		return d.WriteError
	}
	d.Played = append(d.Played, append([]byte(nil), pcm...))
	return nil
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.closeCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CloseError
}

// SetReadError changes ReadError while the device may be in use.
func (d *Device) SetReadError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ReadError = err
}

// PlayedBytes returns the total number of bytes passed to WriteFrame.
func (d *Device) PlayedBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.Played {
		n += len(p)
	}
	return n
}

// OpenCalls returns how many times Open was called.
func (d *Device) OpenCalls() int { return int(d.openCalls.Load()) }

// ReadCalls returns how many times ReadFrame was called.
func (d *Device) ReadCalls() int { return int(d.readCalls.Load()) }

// CloseCalls returns how many times Close was called.
func (d *Device) CloseCalls() int { return int(d.closeCalls.Load()) }

// MaxConcurrentReads returns the highest number of ReadFrame calls that
// were in progress at the same time.
func (d *Device) MaxConcurrentReads() int { return int(d.maxInflight.Load()) }

var _ audio.Device = (*Device)(nil)
