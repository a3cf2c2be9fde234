package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Device abstracts an audio input source. Implementations wrap an OS capture
// API or, in tests and headless runs, synthesize frames in-process.
//
// Open acquires the device and returns a channel delivering frames at the
// device's native rate and channel count. The channel is closed when the
// device is closed or ctx is cancelled. A Device must support repeated
// Open/Close cycles so the pipeline can be restarted without leaking the
// underlying resource.
type Device interface {
	Open(ctx context.Context) (<-chan Frame, error)
	Close() error
}

// Capture converts a live input device into fixed-duration mono frames at
// [CaptureRate], pushing each one to the callback supplied to Start. The
// conversion happens regardless of the device's native format; sending the
// service audio at the wrong rate produces corrupted or mistimed speech.
//
// All exported methods are safe for concurrent use.
type Capture struct {
	device Device

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCapture creates a Capture reading from device.
func NewCapture(device Device) *Capture {
	return &Capture{device: device}
}

// Start acquires the device and begins pushing converted frames to onFrame.
// onFrame is called from a single internal goroutine and must not block for
// extended periods. Returns an error if the pipeline is already running or
// the device cannot be acquired.
func (c *Capture) Start(onFrame func(Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("capture: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := c.device.Open(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("capture: open device: %w", err)
	}

	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.done = done

	go c.run(frames, onFrame, done)
	return nil
}

// Stop releases the device and discards any partially accumulated buffer.
// It blocks until the internal goroutine has exited. Stop on a stopped
// pipeline is a no-op, so Start/Stop cycles can be repeated freely.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	c.running = false
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if err := c.device.Close(); err != nil {
		slog.Warn("capture: device close", "err", err)
	}
	cancel()
	<-done
}

// run is the conversion loop. It owns the pending buffer; when the device
// channel closes the remainder is discarded, never emitted as a short frame.
func (c *Capture) run(frames <-chan Frame, onFrame func(Frame), done chan<- struct{}) {
	defer close(done)

	conv := Converter{TargetRate: CaptureRate}
	frameBytes := int(CaptureRate * 2 * FrameDuration / time.Second)
	var pending []byte
	var emitted time.Duration

	for frame := range frames {
		converted := conv.Convert(frame)
		if len(converted.Data) == 0 {
			continue
		}
		pending = append(pending, converted.Data...)

		for len(pending) >= frameBytes {
			chunk := make([]byte, frameBytes)
			copy(chunk, pending)
			pending = pending[frameBytes:]

			onFrame(Frame{
				Data:       chunk,
				SampleRate: CaptureRate,
				Channels:   1,
				Timestamp:  emitted,
			})
			emitted += FrameDuration
		}
	}
}

// SyntheticDevice is a [Device] that generates a continuous test tone at a
// configurable native format. It stands in for a real microphone in tests
// and headless runs.
type SyntheticDevice struct {
	rate     int
	channels int

	mu   sync.Mutex
	stop context.CancelFunc
}

// NewSyntheticDevice creates a device producing a 440 Hz tone at the given
// native rate and channel count.
func NewSyntheticDevice(rate, channels int) *SyntheticDevice {
	return &SyntheticDevice{rate: rate, channels: channels}
}

// Open starts tone generation. Frames of ~50 ms are delivered until Close
// or ctx cancellation.
func (d *SyntheticDevice) Open(ctx context.Context) (<-chan Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		return nil, fmt.Errorf("synthetic device: already open")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.stop = cancel

	out := make(chan Frame, 8)
	go d.generate(runCtx, out)
	return out, nil
}

// Close stops tone generation and closes the frame channel. The device can
// be opened again afterwards.
func (d *SyntheticDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	return nil
}

func (d *SyntheticDevice) generate(ctx context.Context, out chan<- Frame) {
	defer close(out)

	const chunk = 50 * time.Millisecond
	samples := int(time.Duration(d.rate) * chunk / time.Second)

	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	var phase float64
	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := Frame{
				Data:       tonePCM(samples, d.channels, d.rate, &phase),
				SampleRate: d.rate,
				Channels:   d.channels,
				Timestamp:  elapsed,
			}
			elapsed += chunk
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// tonePCM renders count mono samples of a 440 Hz sine at ~25% amplitude,
// duplicated across channels, advancing phase across calls.
func tonePCM(count, channels, rate int, phase *float64) []byte {
	const freq = 440.0
	step := freq / float64(rate)

	out := make([]byte, count*channels*2)
	for i := range count {
		s := int16(8000 * sin2pi(*phase))
		*phase += step
		if *phase >= 1 {
			*phase -= 1
		}
		for ch := range channels {
			j := (i*channels + ch) * 2
			out[j] = byte(s)
			out[j+1] = byte(s >> 8)
		}
	}
	return out
}

func sin2pi(x float64) float64 {
	return math.Sin(2 * math.Pi * x)
}
