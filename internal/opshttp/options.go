package opshttp

import (
	"net/http"

	"github.com/keithlinneman/gracefulshutdown/internal/health"
	"github.com/keithlinneman/gracefulshutdown/internal/healthhttp"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool

	// Health backs /-/healthy, Readiness backs /-/ready.
	Health    health.Probe
	Readiness health.Probe

	// Indicators backs the aggregate /-/health document. Called per request
	// so indicators added after Start are picked up.
	Indicators func() map[string]health.Indicator

	// Probes is mounted under /probe when set.
	Probes *healthhttp.ProbeController

	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters
}
