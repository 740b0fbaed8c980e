package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/callwright/pkg/audio"
)

var (
	_ audio.Context = (*captureContext)(nil)
	_ audio.Tap     = (*tap)(nil)
)

// tapBuffer is the number of frames a tap holds for a slow consumer.
const tapBuffer = 4

// captureContext slices device input into frames at its own rate.
type captureContext struct {
	clock
	dev  *Device
	rate int

	mu     sync.Mutex
	taps   []*tap
	closed bool
}

func newCaptureContext(d *Device, rate int) *captureContext {
	return &captureContext{dev: d, rate: rate}
}

func (c *captureContext) SampleRate() int { return c.rate }

func (c *captureContext) Resume(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.resume()
	return nil
}

func (c *captureContext) Tap(stream audio.InputStream, frameSize int) (audio.Tap, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("pipe: invalid frame size %d", frameSize)
	}
	in, ok := stream.(*inputStream)
	if !ok || in.dev != c.dev {
		return nil, errors.New("pipe: input stream belongs to another device")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	t := &tap{
		ctx:    c,
		size:   frameSize,
		frames: make(chan audio.AudioFrame, tapBuffer),
		done:   make(chan struct{}),
	}
	c.taps = append(c.taps, t)
	go t.run()
	return t, nil
}

func (c *captureContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	taps := c.taps
	c.taps = nil
	c.mu.Unlock()

	for _, t := range taps {
		_ = t.Disconnect()
	}
	c.freeze()
	return nil
}

// tap emits one frame per frame period. Missing input is padded with silence
// so frames keep real-time pace.
type tap struct {
	ctx    *captureContext
	size   int
	frames chan audio.AudioFrame
	done   chan struct{}
	once   sync.Once
}

func (t *tap) Frames() <-chan audio.AudioFrame { return t.frames }

func (t *tap) Disconnect() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *tap) run() {
	defer close(t.frames)

	period := time.Duration(int64(t.size) * int64(time.Second) / int64(t.ctx.rate))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var pending []float32
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		pending = t.fill(pending)
		samples := make([]float32, t.size)
		n := copy(samples, pending)
		pending = pending[n:]

		frame := audio.AudioFrame{
			Samples:    samples,
			SampleRate: t.ctx.rate,
			Channels:   1,
			Timestamp:  t.ctx.CurrentTime(),
		}
		select {
		case t.frames <- frame:
		case <-t.done:
			return
		}
	}
}

// fill appends buffered input, resampled to the context rate, until one
// frame is available or the input has nothing more right now.
func (t *tap) fill(pending []float32) []float32 {
	dev := t.ctx.dev
	for len(pending) < t.size {
		select {
		case block := <-dev.blocks:
			pending = append(pending, audio.ResampleFloat(block, dev.inRate, t.ctx.rate)...)
		default:
			return pending
		}
	}
	return pending
}
