package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/pkg/audio"
)

// PlaybackItem is one scheduled chunk of inbound speech.
type PlaybackItem struct {
	ID     uint64
	Buffer audio.Buffer
	Start  time.Duration

	voice audio.Voice
}

// End returns the scheduled end position.
func (it PlaybackItem) End() time.Duration { return it.Start + it.Buffer.Duration() }

// PlaybackScheduler plays decoded chunks back to back on a playback context.
//
// Each chunk starts at max(nextStart, now) and advances nextStart by its
// duration, so chunks never overlap and leave no gap while they arrive faster
// than they play. Interrupt stops everything and resets nextStart to zero.
type PlaybackScheduler struct {
	out     audio.PlaybackContext
	metrics *observe.Metrics

	mu        sync.Mutex
	nextStart time.Duration
	active    map[uint64]*PlaybackItem
	seq       uint64
	taps      []func(audio.Buffer, time.Duration)
	halts     []func(at time.Duration)
}

// NewPlaybackScheduler returns a scheduler playing on out. A nil m uses
// [observe.DefaultMetrics].
func NewPlaybackScheduler(out audio.PlaybackContext, m *observe.Metrics) *PlaybackScheduler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &PlaybackScheduler{
		out:     out,
		metrics: m,
		active:  make(map[uint64]*PlaybackItem),
	}
}

// OnSchedule registers fn to receive every scheduled buffer with its start
// position. A buffer may be cut short later; see [PlaybackScheduler.OnHalt].
// Register taps before the first chunk arrives.
func (s *PlaybackScheduler) OnSchedule(fn func(buf audio.Buffer, start time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taps = append(s.taps, fn)
}

// OnHalt registers fn to receive the playback position whenever Stop or
// Interrupt silences the active items. Nothing scheduled played past it.
func (s *PlaybackScheduler) OnHalt(fn func(at time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halts = append(s.halts, fn)
}

// Enqueue decodes a base64 PCM16 chunk at the playback rate and schedules
// it. Undecodable chunks are counted and reported with [ErrChunkDecode]; they
// leave the schedule untouched.
func (s *PlaybackScheduler) Enqueue(ctx context.Context, payload string) (PlaybackItem, error) {
	samples, err := audio.DecodeBase64PCM16(payload)
	if err != nil {
		s.metrics.ChunkDecodeErrors.Add(ctx, 1)
		return PlaybackItem{}, fmt.Errorf("%w: %w", ErrChunkDecode, err)
	}
	if len(samples) == 0 {
		s.metrics.ChunkDecodeErrors.Add(ctx, 1)
		return PlaybackItem{}, fmt.Errorf("%w: empty payload", ErrChunkDecode)
	}
	return s.Schedule(ctx, audio.Buffer{Samples: samples, SampleRate: s.out.SampleRate()})
}

// Schedule plays buf at max(nextStart, now) and returns the scheduled item.
func (s *PlaybackScheduler) Schedule(ctx context.Context, buf audio.Buffer) (PlaybackItem, error) {
	s.mu.Lock()
	now := s.out.CurrentTime()
	start := max(s.nextStart, now)
	voice, err := s.out.Play(buf, start)
	if err != nil {
		s.mu.Unlock()
		return PlaybackItem{}, fmt.Errorf("call: play chunk: %w", err)
	}
	s.seq++
	item := &PlaybackItem{ID: s.seq, Buffer: buf, Start: start, voice: voice}
	s.active[item.ID] = item
	s.nextStart = start + buf.Duration()
	taps := s.taps
	s.mu.Unlock()

	s.metrics.ChunksScheduled.Add(ctx, 1)
	s.metrics.ScheduleLead.Record(ctx, (start - now).Seconds())

	for _, tap := range taps {
		tap(buf, start)
	}
	go s.reap(item.ID, voice)
	return *item, nil
}

// reap removes the item once its voice is done. Removal is idempotent so a
// natural completion racing an interruption is harmless.
func (s *PlaybackScheduler) reap(id uint64, v audio.Voice) {
	<-v.Done()
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Interrupt stops every active item, clears the active set and resets the
// clock so the next chunk starts at the current time. It returns the number
// of items stopped.
func (s *PlaybackScheduler) Interrupt(ctx context.Context) int {
	n := s.Stop()
	s.ResetClock()
	s.metrics.Interruptions.Add(ctx, 1)
	return n
}

// Stop stops every active item and clears the active set. It returns the
// number of items stopped.
func (s *PlaybackScheduler) Stop() int {
	s.mu.Lock()
	items := make([]*PlaybackItem, 0, len(s.active))
	for id, it := range s.active {
		items = append(items, it)
		delete(s.active, id)
	}
	halts := s.halts
	at := s.out.CurrentTime()
	s.mu.Unlock()

	if len(items) > 0 {
		for _, fn := range halts {
			fn(at)
		}
	}
	for _, it := range items {
		it.voice.Stop()
	}
	return len(items)
}

// ResetClock sets nextStart back to zero.
func (s *PlaybackScheduler) ResetClock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStart = 0
}

// NextStart returns the position the next chunk would start at if it
// arrived before the clock passed it.
func (s *PlaybackScheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of items that are scheduled or playing.
func (s *PlaybackScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
