package health

import (
	"context"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"

	// DetailKey is the key the shutdown state is reported under in Health().Details.
	DetailKey = "Gracefulshutdown"
)

// Health is the status/details document served by HealthHandler.
type Health struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// Indicator contributes one Health document.
type Indicator interface {
	Health() Health
}

// ShutdownCheck is the health-style readiness reporter. It starts UP
// ("application up") and reports DOWN ("gracefully shutting down") once the
// shutdown coordinator flips it.
type ShutdownCheck struct {
	*readiness.Tracker
}

func NewShutdownCheck(l log.Logger, opts ...readiness.TrackerOption) *ShutdownCheck {
	opts = append([]readiness.TrackerOption{readiness.WithLogger(l)}, opts...)
	return &ShutdownCheck{Tracker: readiness.NewTracker("health", opts...)}
}

func (c *ShutdownCheck) Health() Health { return healthOf(c.Status()) }

func healthOf(s readiness.State) Health {
	h := Health{Status: StatusUp, Details: map[string]any{DetailKey: s.Detail}}
	if !s.Ready {
		h.Status = StatusDown
	}
	return h
}

type reporterIndicator struct{ r readiness.Reporter }

func (i reporterIndicator) Health() Health { return healthOf(i.r.Status()) }

// ReporterIndicator exposes any readiness reporter as an Indicator.
func ReporterIndicator(r readiness.Reporter) Indicator { return reporterIndicator{r} }

// Probe fails with the not-ready detail while the check is DOWN.
func (c *ShutdownCheck) Probe() CheckFunc {
	return func(context.Context) error {
		s := c.Status()
		if s.Ready {
			return nil
		}
		return xerrors.New(s.Detail)
	}
}
