package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMisaligned is returned by [Convert] when the input does not hold a whole
// number of sample frames for its format.
var ErrMisaligned = errors.New("audio: pcm not aligned to sample frames")

// String returns e.g. "44100Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Valid reports whether f can be converted to or from.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// Convert reinterprets signed 16-bit little-endian PCM in format from as
// format to. The sample rate is changed first, by linear interpolation, and
// then the channel layout (mono is duplicated to stereo, stereo is averaged
// to mono). When the formats match, pcm is returned unchanged.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("audio: convert %s to %s: unsupported format", from, to)
	}
	if len(pcm)%(BytesPerSample*from.Channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s", ErrMisaligned, len(pcm), from)
	}
	if from == to {
		return pcm, nil
	}

	out := pcm
	if from.SampleRate != to.SampleRate {
		out = resample16(out, from.Channels, from.SampleRate, to.SampleRate)
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		out = MonoToStereo(out)
	case from.Channels == 2 && to.Channels == 1:
		out = StereoToMono(out)
	}
	return out, nil
}

// MonoToStereo duplicates each mono sample into an L+R pair. A trailing odd
// byte is dropped.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / BytesPerSample
	out := make([]byte, n*2*BytesPerSample)
	for i := range n {
		s := pcm[i*2 : i*2+2]
		copy(out[i*4:], s)
		copy(out[i*4+2:], s)
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / (2 * BytesPerSample)
	out := make([]byte, n*BytesPerSample)
	for i := range n {
		l := int32(sample(pcm, i*2))
		r := int32(sample(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// resample16 changes the rate of interleaved PCM with the given channel
// count using linear interpolation between neighbouring sample frames.
func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	srcFrames := len(pcm) / (BytesPerSample * channels)
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*channels*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := float64(sample(pcm, idx*channels+c))
			s1 := float64(sample(pcm, next*channels+c))
			putSample(out, i*channels+c, clamp16(s0+(s1-s0)*frac))
		}
	}
	return out
}

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(s))
}

func clamp16(v float64) int16 {
	return int16(max(math.MinInt16, min(math.MaxInt16, math.Round(v))))
}
