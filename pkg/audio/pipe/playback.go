package pipe

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callwright/pkg/audio"
)

var (
	_ audio.PlaybackContext = (*playbackContext)(nil)
	_ audio.Voice           = (*voice)(nil)
)

// playbackContext mixes scheduled voices on its clock and writes the result
// to the device output once per tick. Voices wait in a heap ordered by start
// sample until the render cursor reaches them.
type playbackContext struct {
	clock
	dev  *Device
	rate int

	mu      sync.Mutex
	queue   voiceHeap
	active  []*voice
	seq     uint64
	cursor  int // next sample index to render
	started bool
	closed  bool

	done     chan struct{}
	finished chan struct{}
}

func newPlaybackContext(d *Device, rate int) *playbackContext {
	p := &playbackContext{
		dev:      d,
		rate:     rate,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	heap.Init(&p.queue)
	return p
}

func (p *playbackContext) SampleRate() int { return p.rate }

func (p *playbackContext) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.resume()
	if !p.started {
		p.started = true
		go p.render()
	}
	return nil
}

// Tap is not supported on a playback context.
func (p *playbackContext) Tap(audio.InputStream, int) (audio.Tap, error) {
	return nil, errTapOnPlayback
}

func (p *playbackContext) Play(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	samples := audio.ResampleFloat(buf.Samples, buf.SampleRate, p.rate)
	v := &voice{
		samples: samples,
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	v.start = max(audio.SampleIndex(at, p.rate), p.cursor)
	p.seq++
	v.seq = p.seq
	heap.Push(&p.queue, v)
	return v, nil
}

func (p *playbackContext) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.done)
	if started {
		<-p.finished
	}
	p.freeze()

	p.mu.Lock()
	pending := append(p.active, p.queue...)
	p.active, p.queue = nil, nil
	p.mu.Unlock()
	for _, v := range pending {
		v.Stop()
	}
	return nil
}

func (p *playbackContext) render() {
	defer close(p.finished)
	ticker := time.NewTicker(p.dev.tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if pcm := p.renderTo(audio.SampleIndex(p.CurrentTime(), p.rate)); len(pcm) > 0 {
				p.dev.write(pcm)
			}
		}
	}
}

// renderTo mixes samples [cursor, end) and returns them as PCM16. Voices that
// ended or were stopped are released.
func (p *playbackContext) renderTo(end int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if end <= p.cursor {
		return nil
	}

	for p.queue.Len() > 0 && p.queue[0].start < end {
		p.active = append(p.active, heap.Pop(&p.queue).(*voice))
	}

	mix := make([]float32, end-p.cursor)
	kept := p.active[:0]
	for _, v := range p.active {
		if v.stopped.Load() {
			continue
		}
		from := max(v.start, p.cursor)
		for i := from; i < end && i-v.start < len(v.samples); i++ {
			mix[i-p.cursor] += v.samples[i-v.start]
		}
		if v.start+len(v.samples) <= end {
			v.finish()
			continue
		}
		kept = append(kept, v)
	}
	clear(p.active[len(kept):])
	p.active = kept
	p.cursor = end

	return audio.EncodePCM16(mix)
}

// voice is one scheduled buffer.
type voice struct {
	start   int
	seq     uint64
	samples []float32

	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func (v *voice) Stop() {
	v.stopped.Store(true)
	v.finish()
}

func (v *voice) finish() {
	v.once.Do(func() { close(v.done) })
}

func (v *voice) Done() <-chan struct{} { return v.done }
