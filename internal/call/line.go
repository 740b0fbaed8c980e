package call

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/provider/live"
)

// line is the single owned context of one call. Every resource acquired for
// the call is attached to it, and kill invalidates it atomically: after kill
// no attach succeeds and every getter returns nil, so no component can act on
// a dead call.
type line struct {
	id        string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	dead      bool
	opened    bool
	res       resources
	scheduler *PlaybackScheduler
}

// resources are the releasable parts of a call.
type resources struct {
	handle   live.Handle
	tap      audio.Tap
	input    audio.InputStream
	capture  audio.Context
	playback audio.PlaybackContext
}

func newLine(parent context.Context, id string, now time.Time) *line {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &line{id: id, startedAt: now, ctx: ctx, cancel: cancel}
}

// attach runs set under the lock unless the line is dead. It reports whether
// set ran; on false the caller still owns whatever it tried to attach.
func (l *line) attach(set func(*resources)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return false
	}
	set(&l.res)
	return true
}

// wire attaches the scheduler and runs fn under the lock, so anything fn
// registers happens before a concurrent kill returns.
func (l *line) wire(s *PlaybackScheduler, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return false
	}
	l.scheduler = s
	fn()
	return true
}

// kill marks the line dead, cancels its context and hands the attached
// resources to the caller. Only the first caller gets ok == true.
func (l *line) kill() (res resources, sched *PlaybackScheduler, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return resources{}, nil, false
	}
	l.dead = true
	l.cancel()
	res, sched = l.res, l.scheduler
	l.res = resources{}
	l.scheduler = nil
	return res, sched, true
}

func (l *line) isDead() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dead
}

// conn returns the live handle, or nil once the line is dead.
func (l *line) conn() live.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return nil
	}
	return l.res.handle
}

// markOpened records the first open event. It reports false if the line is
// dead or was already open.
func (l *line) markOpened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead || l.opened {
		return false
	}
	l.opened = true
	return true
}

// release frees resources that were never attached to a line, in teardown
// order.
func (r resources) release() {
	if r.handle != nil {
		_ = r.handle.Close()
	}
	if r.tap != nil {
		_ = r.tap.Disconnect()
	}
	if r.input != nil {
		_ = r.input.Stop()
	}
	if r.capture != nil {
		_ = r.capture.Close()
	}
	if r.playback != nil {
		_ = r.playback.Close()
	}
}
