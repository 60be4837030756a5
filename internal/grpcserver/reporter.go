package grpcserver

import (
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
)

// HealthReporter is a readiness reporter backed by the gRPC health service.
// Ready maps to SERVING, not ready to NOT_SERVING for the given service name
// ("" is the whole-server status).
type HealthReporter struct {
	*readiness.Tracker
	hs      *health.Server
	service string
}

// NewHealthReporter takes extra tracker options, e.g. a metrics gauge; the
// serving status is always updated first.
func NewHealthReporter(hs *health.Server, service string, l log.Logger, opts ...readiness.TrackerOption) *HealthReporter {
	r := &HealthReporter{hs: hs, service: service}
	opts = append([]readiness.TrackerOption{
		readiness.WithLogger(l),
		readiness.WithOnChange(func(_ string, s readiness.State) { r.apply(s.Ready) }),
	}, opts...)
	r.Tracker = readiness.NewTracker("grpc", opts...)
	r.apply(true)
	return r
}

func (r *HealthReporter) apply(ready bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ready {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	r.hs.SetServingStatus(r.service, st)
}
