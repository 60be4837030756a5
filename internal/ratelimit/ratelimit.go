// Package ratelimit limits requests per peer address with a token bucket per
// peer. State is in memory and local to the process.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/gracefulshutdown/internal/httpmw"
)

const (
	DefaultPerSecond = 10
	DefaultBurst     = 30
	DefaultTTL       = 5 * time.Minute
)

type peer struct {
	lim      *rate.Limiter
	lastSeen time.Time
	reported bool
}

// PeerLimiter hands out one token bucket per peer host and forgets peers
// idle for longer than the TTL.
type PeerLimiter struct {
	mu    sync.Mutex
	peers map[string]*peer
	now   func() time.Time

	limit rate.Limit
	burst int
	ttl   time.Duration

	onFirstDenied func(host string)
	onDenied      func(host string)
}

type Option func(*PeerLimiter)

// WithRate sets the refill rate and the bucket size.
func WithRate(perSecond float64, burst int) Option {
	return func(l *PeerLimiter) {
		l.limit = rate.Limit(perSecond)
		l.burst = burst
	}
}

func WithTTL(d time.Duration) Option {
	return func(l *PeerLimiter) { l.ttl = d }
}

// WithOnFirstDenied runs once per tracked peer, the first time it is refused.
func WithOnFirstDenied(fn func(host string)) Option {
	return func(l *PeerLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied runs for every refused request.
func WithOnDenied(fn func(host string)) Option {
	return func(l *PeerLimiter) { l.onDenied = fn }
}

// New starts the eviction loop, which exits when ctx is done.
func New(ctx context.Context, opts ...Option) *PeerLimiter {
	l := &PeerLimiter{
		peers: make(map[string]*peer),
		now:   time.Now,
		limit: DefaultPerSecond,
		burst: DefaultBurst,
		ttl:   DefaultTTL,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// Allow takes a token for host.
func (l *PeerLimiter) Allow(host string) bool {
	l.mu.Lock()
	p, ok := l.peers[host]
	if !ok {
		p = &peer{lim: rate.NewLimiter(l.limit, l.burst)}
		l.peers[host] = p
	}
	p.lastSeen = l.now()
	allowed := p.lim.Allow()
	first := !allowed && !p.reported
	if first {
		p.reported = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	// hooks run unlocked
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(host)
	}
	if l.onDenied != nil {
		l.onDenied(host)
	}
	return false
}

// Len is the number of peers currently tracked.
func (l *PeerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *PeerLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for host, p := range l.peers {
		if now.Sub(p.lastSeen) > l.ttl {
			delete(l.peers, host)
		}
	}
}

func (l *PeerLimiter) evictLoop(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evict(now)
		}
	}
}

// Middleware answers 429 once the peer's bucket is empty. The body says
// nothing about the limit itself.
func (l *PeerLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(httpmw.PeerHost(r.RemoteAddr)) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
