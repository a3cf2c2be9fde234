package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Sink receives decoded audio for output. Implementations wrap an OS
// playback API; tests record the scheduled buffers instead.
//
// Play schedules samples (normalized mono float32 at the scheduler's rate)
// to begin at start. Implementations must not block.
type Sink interface {
	Play(start time.Time, samples []float32)
}

// PlaybackOption configures a [Playback] during construction.
type PlaybackOption func(*Playback)

// WithPlaybackRate overrides the expected inbound sample rate. Defaults to
// [PlaybackRate].
func WithPlaybackRate(rate int) PlaybackOption {
	return func(p *Playback) { p.rate = rate }
}

// WithClock overrides the wall clock. Used in tests to make scheduling
// deterministic.
func WithClock(now func() time.Time) PlaybackOption {
	return func(p *Playback) { p.now = now }
}

// Playback schedules inbound PCM frames for gapless output. Each frame is
// decoded to normalized samples and scheduled to start exactly when the
// previously scheduled buffer ends, tracked by a running next-start cursor.
// If the cursor has fallen behind real time (a processing stall), the next
// buffer snaps to the current time instead of starting in the past.
//
// Invariants: no two scheduled buffers ever overlap, and the cumulative
// scheduled duration never decreases.
//
// All exported methods are safe for concurrent use.
type Playback struct {
	sink Sink
	rate int
	now  func() time.Time

	mu        sync.Mutex
	nextStart time.Time
	scheduled time.Duration
	dropped   uint64
}

// NewPlayback creates a Playback delivering decoded buffers to sink.
func NewPlayback(sink Sink, opts ...PlaybackOption) *Playback {
	p := &Playback{
		sink: sink,
		rate: PlaybackRate,
		now:  time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue decodes frame and schedules it after the last scheduled buffer.
// Malformed frames (odd byte count or a rate that does not match the
// scheduler's) are dropped and logged; playback continues.
func (p *Playback) Enqueue(frame Frame) {
	if len(frame.Data) == 0 || len(frame.Data)%2 != 0 || (frame.SampleRate != 0 && frame.SampleRate != p.rate) {
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		slog.Warn("playback: dropping malformed frame",
			"bytes", len(frame.Data),
			"sample_rate", frame.SampleRate,
			"dropped_total", n,
		)
		return
	}

	samples := decodePCM16(frame.Data)
	d := time.Duration(len(samples)) * time.Second / time.Duration(p.rate)

	p.mu.Lock()
	start := p.nextStart
	if now := p.now(); start.Before(now) {
		start = now
	}
	p.nextStart = start.Add(d)
	p.scheduled += d
	p.mu.Unlock()

	p.sink.Play(start, samples)
}

// Scheduled returns the cumulative duration of audio handed to the sink.
func (p *Playback) Scheduled() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduled
}

// Dropped returns how many malformed frames have been discarded.
func (p *Playback) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// decodePCM16 converts little-endian int16 PCM to normalized float32
// samples in [-1, 1).
func decodePCM16(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(s) / 32768
	}
	return samples
}
