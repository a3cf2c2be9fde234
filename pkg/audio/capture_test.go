package audio

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// scriptDevice is a Device that replays a fixed set of raw frames on every
// Open, then closes its channel. It counts Open/Close calls so tests can
// verify clean re-acquisition across Start/Stop cycles.
type scriptDevice struct {
	rate     int
	channels int
	script   [][]byte

	mu     sync.Mutex
	opens  int
	closes int
	open   bool
}

func (d *scriptDevice) Open(ctx context.Context) (<-chan Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil, fmt.Errorf("script device: already open")
	}
	d.open = true
	d.opens++

	out := make(chan Frame, len(d.script))
	for i, data := range d.script {
		out <- Frame{Data: data, SampleRate: d.rate, Channels: d.channels, Timestamp: time.Duration(i) * 50 * time.Millisecond}
	}
	close(out)
	return out, nil
}

func (d *scriptDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.closes++
	return nil
}

func (d *scriptDevice) counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

// collectFrames runs one Start/Stop cycle and returns every emitted frame.
func collectFrames(t *testing.T, c *Capture) []Frame {
	t.Helper()

	var mu sync.Mutex
	var got []Frame
	if err := c.Start(func(f Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The script device closes its channel once drained; give the
	// conversion goroutine a moment to run before stopping.
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	return got
}

func TestCapture_EmitsTargetFormatRegardlessOfDeviceRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rate     int
		channels int
	}{
		{"native 48k stereo", 48000, 2},
		{"native 44.1k mono", 44100, 1},
		{"native 16k mono", 16000, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// 400 ms of device audio — enough for one full 250 ms frame.
			samples := tt.rate * 4 / 10
			dev := &scriptDevice{
				rate:     tt.rate,
				channels: tt.channels,
				script:   [][]byte{make([]byte, samples*tt.channels*2)},
			}

			got := collectFrames(t, NewCapture(dev))
			if len(got) != 1 {
				t.Fatalf("got %d frames, want 1", len(got))
			}
			f := got[0]
			if f.SampleRate != CaptureRate || f.Channels != 1 {
				t.Errorf("frame format = %d/%d, want %d/1", f.SampleRate, f.Channels, CaptureRate)
			}
			if want := int(CaptureRate * 2 * FrameDuration / time.Second); len(f.Data) != want {
				t.Errorf("frame size = %d bytes, want %d", len(f.Data), want)
			}
		})
	}
}

func TestCapture_StopDiscardsPartialBuffer(t *testing.T) {
	t.Parallel()

	// 100 ms of audio — less than one frame, so nothing may be emitted.
	dev := &scriptDevice{rate: 16000, channels: 1, script: [][]byte{make([]byte, 16000/10*2)}}

	if got := collectFrames(t, NewCapture(dev)); len(got) != 0 {
		t.Fatalf("partial buffer emitted %d frames, want 0", len(got))
	}
}

func TestCapture_RepeatedStartStopReacquiresDevice(t *testing.T) {
	t.Parallel()

	dev := &scriptDevice{rate: 16000, channels: 1, script: [][]byte{make([]byte, 16000/2*2)}}
	c := NewCapture(dev)

	for cycle := range 3 {
		got := collectFrames(t, c)
		if len(got) == 0 {
			t.Fatalf("cycle %d emitted no frames", cycle)
		}
	}

	opens, closes := dev.counts()
	if opens != 3 || closes != 3 {
		t.Fatalf("device opens/closes = %d/%d, want 3/3", opens, closes)
	}
}

func TestCapture_DoubleStartFails(t *testing.T) {
	t.Parallel()

	dev := &scriptDevice{rate: 16000, channels: 1}
	c := NewCapture(dev)

	if err := c.Start(func(Frame) {}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer c.Stop()

	if err := c.Start(func(Frame) {}); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestSyntheticDevice_ReopensAfterClose(t *testing.T) {
	t.Parallel()

	dev := NewSyntheticDevice(48000, 2)

	for cycle := range 2 {
		frames, err := dev.Open(context.Background())
		if err != nil {
			t.Fatalf("cycle %d Open: %v", cycle, err)
		}

		select {
		case f := <-frames:
			if f.SampleRate != 48000 || f.Channels != 2 {
				t.Fatalf("cycle %d frame format = %d/%d", cycle, f.SampleRate, f.Channels)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("cycle %d: no frame within deadline", cycle)
		}

		if err := dev.Close(); err != nil {
			t.Fatalf("cycle %d Close: %v", cycle, err)
		}
	}
}
