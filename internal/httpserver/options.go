package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/gracefulshutdown/internal/health"
	"github.com/keithlinneman/gracefulshutdown/internal/healthhttp"
	"github.com/keithlinneman/gracefulshutdown/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic is logged, e.g. to bump a counter
	MetricsMW    func(http.Handler) http.Handler

	// Health and Readiness back /-/healthy and /-/ready when set.
	Health    health.Probe
	Readiness health.Probe

	// Probes is mounted under /probe when set.
	Probes *healthhttp.ProbeController

	// APIRoutes mounts application routes on the root router, after the
	// probes. cmd/server mounts the rate limited readiness API here.
	APIRoutes func(chi.Router)

	// MaxBodyBytes caps request bodies, DefaultMaxBodyBytes when zero.
	MaxBodyBytes int64
}
