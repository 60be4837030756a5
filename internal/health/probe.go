package health

import (
	"context"

	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

// Probe is evaluated on every request. A nil error passes; otherwise the
// error text is served as the reason.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason ("unhealthy" when empty).
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes. It stops at the first failure
// and returns it.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ReporterProbe fails with "name: detail" while r is not ready.
func ReporterProbe(name string, r readiness.Reporter) CheckFunc {
	return func(context.Context) error {
		if s := r.Status(); !s.Ready {
			return xerrors.Newf("%s: %s", name, s.Detail)
		}
		return nil
	}
}

// RegistryProbe fails while any registered reporter is not ready, naming
// the first one in discovery order. Reporters registered later are picked
// up on the next check.
func RegistryProbe(reg *readiness.Registry) CheckFunc {
	return func(ctx context.Context) error {
		found := reg.DiscoverAll()
		ps := make([]Probe, len(found))
		for i, r := range found {
			ps[i] = ReporterProbe(r.Key, r.Reporter)
		}
		return All(ps...)(ctx)
	}
}
