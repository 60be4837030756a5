package readiness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
)

const (
	DefaultReadyDetail    = "application up"
	DefaultNotReadyDetail = "gracefully shutting down"
)

// State is a reporter's readiness at a point in time.
type State struct {
	Ready   bool
	Detail  string
	Changed time.Time
}

// Reporter is anything that can be flipped between ready and not ready.
// SetReady must not panic or block; it runs on the shutdown path.
type Reporter interface {
	SetReady(ready bool)
	Status() State
}

// Tracker is the shared state holder behind every concrete reporter.
// The zero value is not usable, construct with NewTracker.
type Tracker struct {
	name       string
	upDetail   string
	downDetail string
	logger     log.Logger
	onChange   []func(name string, s State)
	state      atomic.Pointer[State]
}

type TrackerOption func(*Tracker)

// WithDetails overrides the detail text recorded for each state.
func WithDetails(ready, notReady string) TrackerOption {
	return func(t *Tracker) {
		t.upDetail = ready
		t.downDetail = notReady
	}
}

func WithLogger(l log.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = log.OrNop(l) }
}

// WithOnChange adds a callback run after every SetReady, e.g. to update a
// gauge. Callbacks run in the order they were added.
func WithOnChange(fn func(name string, s State)) TrackerOption {
	return func(t *Tracker) {
		if fn != nil {
			t.onChange = append(t.onChange, fn)
		}
	}
}

// NewTracker returns a tracker that starts out Ready.
func NewTracker(name string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		name:       name,
		upDetail:   DefaultReadyDetail,
		downDetail: DefaultNotReadyDetail,
		logger:     log.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	t.state.Store(&State{Ready: true, Detail: t.upDetail, Changed: time.Now()})
	return t
}

func (t *Tracker) Name() string { return t.name }

func (t *Tracker) SetReady(ready bool) {
	s := &State{Ready: ready, Detail: t.downDetail, Changed: time.Now()}
	if ready {
		s.Detail = t.upDetail
	}
	t.state.Store(s)

	ctx := context.Background()
	if ready {
		t.logger.Info(ctx, "readiness up", "reporter", t.name, "detail", s.Detail)
	} else {
		t.logger.Info(ctx, "readiness down", "reporter", t.name, "detail", s.Detail)
	}
	for _, fn := range t.onChange {
		fn(t.name, *s)
	}
}

func (t *Tracker) Status() State { return *t.state.Load() }

// Ready is shorthand for Status().Ready.
func (t *Tracker) Ready() bool { return t.state.Load().Ready }
