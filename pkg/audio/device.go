// Package audio defines the capture device abstraction and the PCM types used
// by the repeater emulator.
//
// A [Device] is a duplex PCM stream (capture and playback) opened once with a
// fixed [StreamConfig]. The devices in this package are synthetic: a
// [SynthDevice] built by [NewToneDevice] produces a sine tone and one built by
// [NewSilenceDevice] produces zeros. Both can pace reads in real time so that a read blocks for one frame
// duration, the way a sound card does.
//
// This package lives under pkg/ because external code is expected to plug in
// real hardware backends by implementing [Device].
package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeviceClosed is returned by device operations after Close.
var ErrDeviceClosed = errors.New("audio: device closed")

// ErrNotOpen is returned by Read and Write before Open.
var ErrNotOpen = errors.New("audio: device not open")

// Device is a duplex PCM stream.
//
// Implementations are not required to be safe for concurrent reads; callers
// that share a device serialise access themselves.
type Device interface {
	// Open initialises the underlying stream. It is called at most once.
	Open(ctx context.Context) error

	// ReadFrame blocks until len(buf) bytes of captured PCM are available
	// and copies them into buf. It returns the number of bytes read.
	ReadFrame(ctx context.Context, buf []byte) (int, error)

	// WriteFrame queues pcm on the playback direction.
	WriteFrame(ctx context.Context, pcm []byte) error

	// Close releases the stream and the underlying device.
	Close() error
}

// DeviceError reports an audio device failure. Op is one of "open",
// "capture", "play" or "close".
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err wraps a [DeviceError].
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
