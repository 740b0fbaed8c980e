// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable lines. Use
// Handle to inject inbound events and inspect the packets the call engine
// sent.
//
// Example:
//
//	h := mock.NewHandle()
//	p := &mock.Provider{Handle: h}
//	// ... start a call with p ...
//	h.Emit(live.Opened())
//	h.Emit(live.Message(&live.ServerEvent{Audio: []string{chunk}}))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callwright/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Handle is returned by Connect. If nil, Connect returns a new Handle
	// from NewHandle on every call.
	Handle *Handle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until it is closed or the
	// context is done.
	Gate chan struct{}

	// Entered, if non-nil, receives a value (non-blocking) when Connect is
	// entered.
	Entered chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	last *Handle
}

// Connect records the call and returns Handle, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Handle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate, entered := p.Gate, p.Entered
	p.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	h := p.Handle
	if h == nil {
		h = NewHandle()
	}
	p.last = h
	return h, nil
}

// CallCount returns the number of Connect calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastHandle returns the handle most recently returned by Connect, or nil.
func (p *Provider) LastHandle() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Handle is a mock implementation of live.Handle. Its event channel is
// buffered; tests push events with Emit.
type Handle struct {
	mu       sync.Mutex
	events   chan live.Event
	finished bool

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendCalls records every packet passed to Send in order.
	SendCalls []live.MediaPacket

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// Sent, if non-nil, receives every packet (non-blocking) after it was
	// recorded.
	Sent chan live.MediaPacket
}

// NewHandle returns a Handle with a buffered event channel.
func NewHandle() *Handle {
	return &Handle{events: make(chan live.Event, 256)}
}

// Emit delivers ev to the consumer. Terminal events close the channel. Emit
// reports false if the stream has already finished.
func (h *Handle) Emit(ev live.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.events <- ev
	if ev.Kind == live.EventFailed || ev.Kind == live.EventClosed {
		h.finished = true
		close(h.events)
	}
	return true
}

// Send records the packet and returns SendErr.
func (h *Handle) Send(_ context.Context, pkt live.MediaPacket) error {
	h.mu.Lock()
	h.SendCalls = append(h.SendCalls, pkt)
	err := h.SendErr
	sent := h.Sent
	h.mu.Unlock()

	if sent != nil {
		select {
		case sent <- pkt:
		default:
		}
	}
	return err
}

// Events returns the event channel.
func (h *Handle) Events() <-chan live.Event { return h.events }

// Close records the call and, on first use, finishes the stream with a
// closed event the same way a real line does.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CloseCallCount++
	if !h.finished {
		h.finished = true
		select {
		case h.events <- live.Closed("closed locally"):
		default:
		}
		close(h.events)
	}
	return h.CloseErr
}

// SendCount returns the number of Send calls. Thread-safe.
func (h *Handle) SendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.SendCalls)
}

// CloseCount returns the number of Close calls. Thread-safe.
func (h *Handle) CloseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CloseCallCount
}

// Ensure Handle implements live.Handle at compile time.
var _ live.Handle = (*Handle)(nil)
