package audio

import (
	"sync"
	"testing"
	"time"
)

// recordSink records every scheduled buffer for inspection.
type recordSink struct {
	mu      sync.Mutex
	starts  []time.Time
	lengths []int
}

func (s *recordSink) Play(start time.Time, samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, start)
	s.lengths = append(s.lengths, len(samples))
}

// playbackFrame builds a valid playback-rate frame of the given duration.
func playbackFrame(d time.Duration) Frame {
	samples := int(time.Duration(PlaybackRate) * d / time.Second)
	return Frame{Data: make([]byte, samples*2), SampleRate: PlaybackRate, Channels: 1}
}

func TestPlayback_SchedulesBackToBack(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	sink := &recordSink{}
	p := NewPlayback(sink, WithClock(func() time.Time { return base }))

	for range 3 {
		p.Enqueue(playbackFrame(100 * time.Millisecond))
	}

	if len(sink.starts) != 3 {
		t.Fatalf("scheduled %d buffers, want 3", len(sink.starts))
	}
	for i, want := range []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(200 * time.Millisecond),
	} {
		if !sink.starts[i].Equal(want) {
			t.Errorf("buffer %d starts at %v, want %v", i, sink.starts[i], want)
		}
	}
	if got := p.Scheduled(); got != 300*time.Millisecond {
		t.Errorf("Scheduled = %v, want 300ms", got)
	}
}

func TestPlayback_NoOverlapForAnyEnqueueSequence(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	sink := &recordSink{}
	p := NewPlayback(sink, WithClock(clock))

	durations := []time.Duration{
		40 * time.Millisecond,
		200 * time.Millisecond,
		10 * time.Millisecond,
		500 * time.Millisecond,
		60 * time.Millisecond,
	}
	var prevScheduled time.Duration
	for i, d := range durations {
		// Advance the wall clock unevenly, sometimes past the cursor.
		clockMu.Lock()
		now = now.Add(time.Duration(i) * 130 * time.Millisecond)
		clockMu.Unlock()

		p.Enqueue(playbackFrame(d))

		if got := p.Scheduled(); got < prevScheduled {
			t.Fatalf("Scheduled decreased: %v < %v", got, prevScheduled)
		} else {
			prevScheduled = got
		}
	}

	for i := 1; i < len(sink.starts); i++ {
		prevEnd := sink.starts[i-1].Add(time.Duration(sink.lengths[i-1]) * time.Second / PlaybackRate)
		if sink.starts[i].Before(prevEnd) {
			t.Errorf("buffer %d starts at %v before previous buffer ends at %v", i, sink.starts[i], prevEnd)
		}
	}
}

func TestPlayback_StalledCursorSnapsToNow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := base
	sink := &recordSink{}
	p := NewPlayback(sink, WithClock(func() time.Time { return now }))

	p.Enqueue(playbackFrame(50 * time.Millisecond))

	// Simulate a long stall: real time is far past the cursor.
	now = base.Add(10 * time.Second)
	p.Enqueue(playbackFrame(50 * time.Millisecond))

	if got := sink.starts[1]; !got.Equal(now) {
		t.Fatalf("post-stall buffer starts at %v, want %v (current time)", got, now)
	}
}

func TestPlayback_DropsMalformedFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame Frame
	}{
		{"odd byte count", Frame{Data: []byte{1, 2, 3}, SampleRate: PlaybackRate}},
		{"wrong sample rate", Frame{Data: make([]byte, 480), SampleRate: 16000}},
		{"empty", Frame{SampleRate: PlaybackRate}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sink := &recordSink{}
			p := NewPlayback(sink)
			p.Enqueue(tt.frame)

			if len(sink.starts) != 0 {
				t.Fatalf("malformed frame was scheduled")
			}
			if p.Scheduled() != 0 {
				t.Fatalf("Scheduled = %v after malformed frame, want 0", p.Scheduled())
			}
			if p.Dropped() != 1 {
				t.Fatalf("Dropped = %d, want 1", p.Dropped())
			}
		})
	}
}
