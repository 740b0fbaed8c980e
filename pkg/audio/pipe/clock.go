package pipe

import (
	"sync"
	"time"
)

// clock is a context clock: zero until resumed, then wall time since resume.
// Close freezes it.
type clock struct {
	mu      sync.Mutex
	base    time.Duration
	started time.Time
	running bool
}

func (c *clock) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return c.base
	}
	return c.base + time.Since(c.started)
}

func (c *clock) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		c.started = time.Now()
		c.running = true
	}
}

func (c *clock) freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.base += time.Since(c.started)
		c.running = false
	}
}
