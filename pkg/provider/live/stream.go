package live

import (
	"context"
	"sync"
)

// DefaultStreamBuffer is the event buffer adapters allocate per line.
const DefaultStreamBuffer = 64

// Stream is the producer side of a [Handle] event channel. Adapters create one
// per line and have a single receive goroutine call Emit and Finish.
type Stream struct {
	ch   chan Event
	ctx  context.Context
	once sync.Once
}

// NewStream returns a Stream whose blocking sends give up once ctx is done.
// ctx is normally the line context cancelled by Handle.Close.
func NewStream(ctx context.Context, size int) *Stream {
	if size <= 0 {
		size = DefaultStreamBuffer
	}
	return &Stream{ch: make(chan Event, size), ctx: ctx}
}

// Events returns the consumer side.
func (s *Stream) Events() <-chan Event { return s.ch }

// Emit delivers a non-terminal event in order. It reports false when the line
// was closed before the event could be delivered.
func (s *Stream) Emit(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish delivers the terminal event and closes the channel. Only the first
// call has an effect. After a local close the terminal event is delivered
// only if buffer space is available.
func (s *Stream) Finish(ev Event) {
	s.once.Do(func() {
		select {
		case s.ch <- ev:
		case <-s.ctx.Done():
			select {
			case s.ch <- ev:
			default:
			}
		}
		close(s.ch)
	})
}

// Opened is shorthand for the EventOpened event.
func Opened() Event { return Event{Kind: EventOpened} }

// Message wraps a server event.
func Message(msg *ServerEvent) Event { return Event{Kind: EventMessage, Message: msg} }

// Failed builds a terminal failure event.
func Failed(err error) Event { return Event{Kind: EventFailed, Err: err} }

// Closed builds a terminal close event.
func Closed(reason string) Event { return Event{Kind: EventClosed, Reason: reason} }
