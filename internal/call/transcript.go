package call

import (
	"strings"
	"sync"
	"time"
)

// TranscriptAggregator accumulates streamed transcription deltas per role and
// commits them as [Entry] values when a turn completes.
type TranscriptAggregator struct {
	mu      sync.Mutex
	user    strings.Builder
	agent   strings.Builder
	entries []Entry
	now     func() time.Time
}

// NewTranscriptAggregator returns an empty aggregator stamping entries with
// now. A nil now uses [time.Now].
func NewTranscriptAggregator(now func() time.Time) *TranscriptAggregator {
	if now == nil {
		now = time.Now
	}
	return &TranscriptAggregator{now: now}
}

// AppendUser appends a delta of the caller's speech. Deltas are assumed
// strictly incremental and are not deduplicated.
func (a *TranscriptAggregator) AppendUser(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.WriteString(delta)
}

// AppendAgent appends a delta of the agent's speech.
func (a *TranscriptAggregator) AppendAgent(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agent.WriteString(delta)
}

// CommitTurn trims both buffers and commits the user entry before the agent
// entry, skipping empty ones, then resets both buffers. It returns the
// entries committed by this call.
func (a *TranscriptAggregator) CommitTurn() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := a.now()
	var committed []Entry
	if text := strings.TrimSpace(a.user.String()); text != "" {
		committed = append(committed, Entry{Timestamp: ts, Role: RoleUser, Text: text})
	}
	if text := strings.TrimSpace(a.agent.String()); text != "" {
		committed = append(committed, Entry{Timestamp: ts, Role: RoleAgent, Text: text})
	}
	a.entries = append(a.entries, committed...)
	a.user.Reset()
	a.agent.Reset()
	return committed
}

// Pending returns the uncommitted text of both buffers.
func (a *TranscriptAggregator) Pending() (user, agent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user.String(), a.agent.String()
}

// Entries returns a copy of the committed transcript in commit order.
func (a *TranscriptAggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Reset drops the committed transcript and both buffers.
func (a *TranscriptAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	a.user.Reset()
	a.agent.Reset()
}
