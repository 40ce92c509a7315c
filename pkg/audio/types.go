package audio

import "time"

// BytesPerSample is the width of one signed 16-bit little-endian PCM sample.
const BytesPerSample = 2

// AudioFrame represents a single frame of captured audio.
// Frames are the atomic unit of audio transport: one device read yields one
// frame, and one frame is written to every client per streaming iteration.
type AudioFrame struct {
	// PCM audio data, signed 16-bit little-endian.
	Data []byte

	// SampleRate in Hz (44100 for the emulated repeater).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// StreamConfig is the fixed configuration a [Device] is opened with.
type StreamConfig struct {
	Format Format

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples int

	// Capture and Playback enable the two directions of the duplex stream.
	Capture  bool
	Playback bool
}

// DefaultStreamConfig returns the repeater's stock stream settings:
// 16-bit mono at 44100 Hz, 1024-sample frames, both directions enabled.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Format:       Format{SampleRate: 44100, Channels: 1},
		FrameSamples: 1024,
		Capture:      true,
		Playback:     true,
	}
}

// FrameBytes returns the size in bytes of one frame.
func (c StreamConfig) FrameBytes() int {
	return c.FrameSamples * c.Format.Channels * BytesPerSample
}

// FrameDuration returns the wall-clock length of one frame.
func (c StreamConfig) FrameDuration() time.Duration {
	if c.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FrameSamples) * time.Second / time.Duration(c.Format.SampleRate)
}
