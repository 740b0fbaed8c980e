package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/callwright/pkg/provider/live"
)

// ErrAllFailed is returned by [Failover.Connect] when no provider opened a
// line. The per-provider errors are joined to it.
var ErrAllFailed = errors.New("resilience: all providers failed")

var _ live.Provider = (*Failover)(nil)

type member struct {
	name     string
	provider live.Provider
	breaker  *Breaker
}

// Failover opens lines on a primary provider and falls back to the others in
// registration order.
type Failover struct {
	cfg BreakerConfig

	mu      sync.RWMutex
	members []member
}

// NewFailover returns a [Failover] with primary as its first member. cfg
// tunes every member's breaker; cfg.Name is ignored.
func NewFailover(primary live.Provider, name string, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.Add(name, primary)
	return f
}

// Add appends a fallback provider.
func (f *Failover) Add(name string, p live.Provider) {
	bc := f.cfg
	bc.Name = name
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = append(f.members, member{name: name, provider: p, breaker: NewBreaker(bc)})
}

// Connect tries each provider whose breaker admits the attempt and returns the
// first line that opened. It stops as soon as ctx is done.
func (f *Failover) Connect(ctx context.Context, cfg live.Config) (live.Handle, error) {
	f.mu.RLock()
	members := f.members
	f.mu.RUnlock()

	var errs []error
	for i, m := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var h live.Handle
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			h, err = m.provider.Connect(ctx, cfg)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("connected via fallback provider", "provider", m.name)
			}
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("provider connect failed", "provider", m.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return nil, errors.Join(append([]error{ErrAllFailed}, errs...)...)
}

// Check reports an error when every member's breaker is open.
func (f *Failover) Check(context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, m := range f.members {
		if m.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("all %d providers are unavailable", len(f.members))
}

// States returns each member's breaker state keyed by provider name.
func (f *Failover) States() map[string]State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]State, len(f.members))
	for _, m := range f.members {
		out[m.name] = m.breaker.State()
	}
	return out
}
