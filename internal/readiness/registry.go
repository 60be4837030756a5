package readiness

import (
	"context"
	"fmt"
	"sync"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
)

// Registration ties a reporter to the key it was registered under.
type Registration struct {
	Key      string
	Reporter Reporter
}

// Registry holds every reporter known to the process. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	regs   []Registration
	logger log.Logger
}

func NewRegistry(l log.Logger) *Registry {
	return &Registry{logger: log.OrNop(l)}
}

// Register adds r under key. Duplicate keys or instances are kept and warned
// about, nil reporters are dropped.
func (g *Registry) Register(key string, r Reporter) {
	ctx := context.Background()
	if r == nil {
		g.logger.Warn(ctx, "ignoring nil readiness reporter", "key", key)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.regs {
		switch {
		case existing.Key == key:
			g.logger.Warn(ctx, "readiness reporter key registered more than once", "key", key)
		case existing.Reporter == r:
			g.logger.Warn(ctx, "readiness reporter instance registered under a second key",
				"key", key,
				"previous_key", existing.Key,
			)
		}
	}
	g.regs = append(g.regs, Registration{Key: key, Reporter: r})
	g.logger.Debug(ctx, "readiness reporter registered", "key", key, "type", fmt.Sprintf("%T", r))
}

// DiscoverAll returns a snapshot of all registrations. Order is not a contract.
func (g *Registry) DiscoverAll() []Registration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Registration, len(g.regs))
	copy(out, g.regs)
	return out
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.regs)
}

// AllReady reports whether every registered reporter is ready. An empty
// registry is ready.
func (g *Registry) AllReady() bool {
	for _, reg := range g.DiscoverAll() {
		if !reg.Reporter.Status().Ready {
			return false
		}
	}
	return true
}

// SetAll flips every registration and returns the keys that were attempted.
// A panicking reporter is logged and skipped so the rest are still notified.
func SetAll(ctx context.Context, L log.Logger, regs []Registration, ready bool) []string {
	L = log.OrNop(L)
	keys := make([]string, 0, len(regs))
	for _, reg := range regs {
		setOne(ctx, L, reg, ready)
		keys = append(keys, reg.Key)
	}
	return keys
}

func setOne(ctx context.Context, L log.Logger, reg Registration, ready bool) {
	defer func() {
		if p := recover(); p != nil {
			L.Error(ctx, fmt.Errorf("panic: %v", p), "readiness reporter panicked", "key", reg.Key, "ready", ready)
		}
	}()
	reg.Reporter.SetReady(ready)
}
