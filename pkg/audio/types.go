// Package audio holds the PCM plumbing shared by the ingestion path and the
// providers: fixed-size framing, sample conversion, energy measurement, WAV
// wrapping and an index-ordered playback queue (see the playback subpackage).
//
// All PCM handled here is signed 16-bit little-endian.
package audio

import "time"

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the byte length of one frame of the given duration for
// mono 16-bit PCM at sampleRate. 30 ms at 16 kHz is 960 bytes.
func FrameBytes(sampleRate int, frame time.Duration) int {
	samples := int(int64(sampleRate) * int64(frame) / int64(time.Second))
	return samples * BytesPerSample
}

// Duration returns the playback duration of pcm at the given format.
func Duration(pcm []byte, f Format) time.Duration {
	ch := max(f.Channels, 1)
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / (BytesPerSample * ch)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
