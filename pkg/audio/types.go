// Package audio implements the capture and playback halves of the voice
// pipeline: converting live microphone input into the fixed wire format the
// dialogue service expects, and scheduling the service's synthesized audio
// for gapless playback.
//
// The two directions use different fixed sample rates and are never mixed:
// capture frames leave the process at [CaptureRate], playback frames arrive
// at [PlaybackRate]. All PCM in this package is little-endian signed 16-bit.
package audio

import "time"

const (
	// CaptureRate is the sample rate of frames sent to the dialogue service.
	// Input devices running at any other rate are resampled to this.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of audio received from the dialogue
	// service.
	PlaybackRate = 24000

	// FrameDuration is the fixed duration of each captured frame. Shorter
	// frames add websocket overhead; longer ones add conversational latency.
	FrameDuration = 250 * time.Millisecond
)

// Frame is a fixed-format block of PCM samples flowing through the pipeline.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for everything this product sends or receives; capture
	// devices may deliver 2 before conversion.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame's PCM payload.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
