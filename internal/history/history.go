// Package history archives summaries of finished calls.
//
// A [Store] receives every [call.Summary] through [Hook] and serves them back
// to the control API. [Memory] keeps a bounded in-process log; the postgres
// sub-package persists calls and their transcripts.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callwright/internal/call"
)

// ErrNotFound is returned by [Store.Get] for an unknown call ID.
var ErrNotFound = errors.New("history: call not found")

// DefaultMemoryCalls is the capacity of a [Memory] store created with a
// non-positive limit.
const DefaultMemoryCalls = 100

// Store persists call summaries. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save archives s. Saving the same call ID again replaces the record.
	Save(ctx context.Context, s call.Summary) error

	// List returns up to limit summaries, most recent first, without
	// transcripts.
	List(ctx context.Context, limit int) ([]call.Summary, error)

	// Get returns the full summary of callID or [ErrNotFound].
	Get(ctx context.Context, callID string) (call.Summary, error)
}

// Hook returns a function suitable for [call.Options.OnEnd] that saves every
// summary to store, bounding each save by timeout.
func Hook(store Store, timeout time.Duration) func(call.Summary) {
	return func(s call.Summary) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := store.Save(ctx, s); err != nil {
			slog.Warn("history: save failed", "call_id", s.CallID, "err", err)
			return
		}
		slog.Debug("history: call archived", "call_id", s.CallID, "entries", len(s.Transcript))
	}
}

// Memory is a [Store] holding the most recent calls in process memory.
type Memory struct {
	max int

	mu    sync.Mutex
	calls []call.Summary // oldest first
}

var _ Store = (*Memory)(nil)

// NewMemory returns a store that keeps at most max calls.
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = DefaultMemoryCalls
	}
	return &Memory{max: max}
}

func (m *Memory) Save(_ context.Context, s call.Summary) error {
	s.Transcript = append([]call.Entry(nil), s.Transcript...)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.calls {
		if m.calls[i].CallID == s.CallID {
			m.calls[i] = s
			return nil
		}
	}
	m.calls = append(m.calls, s)
	if over := len(m.calls) - m.max; over > 0 {
		clear(m.calls[:over])
		m.calls = m.calls[over:]
	}
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]call.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.calls) {
		limit = len(m.calls)
	}
	out := make([]call.Summary, 0, limit)
	for i := len(m.calls) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.calls[i]
		s.Transcript = nil
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, callID string) (call.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.calls {
		if s.CallID == callID {
			s.Transcript = append([]call.Entry(nil), s.Transcript...)
			return s, nil
		}
	}
	return call.Summary{}, ErrNotFound
}
