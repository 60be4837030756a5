package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
	"github.com/keithlinneman/gracefulshutdown/internal/shutdown"
	"github.com/keithlinneman/gracefulshutdown/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	ratelimitDeniedTotal prometheus.Counter

	// shutdown metrics
	reporterReady       *prometheus.GaugeVec
	shutdownPhase       prometheus.Gauge
	reportersNotified   prometheus.Gauge
	graceWaitSeconds    prometheus.Gauge
	graceInterrupted    prometheus.Counter
	teardownFailedTotal prometheus.Counter
}

var _ shutdown.Observer = (*ServerMetrics)(nil)

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by status code, method and route",
		}, []string{"code", "method", "route"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_ratelimit_denied_total",
			Help: "Total API requests refused by the per-peer rate limiter",
		}),
		reporterReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "readiness_reporter_ready",
			Help: "Whether a readiness reporter currently reports ready (1) or not (0)",
		}, []string{"reporter"}),
		shutdownPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shutdown_phase",
			Help: "Current shutdown phase (0 running, 1 draining, 2 terminating, 3 closed)",
		}),
		reportersNotified: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shutdown_reporters_notified",
			Help: "Number of readiness reporters marked not ready by the last drain",
		}),
		graceWaitSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shutdown_grace_wait_seconds",
			Help: "How long the grace wait actually lasted",
		}),
		graceInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shutdown_grace_wait_interrupted_total",
			Help: "Total grace waits cut short by cancellation or a second signal",
		}),
		teardownFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shutdown_teardown_failures_total",
			Help: "Total failed application teardowns",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.ratelimitDeniedTotal,
		m.reporterReady,
		m.shutdownPhase,
		m.reportersNotified,
		m.graceWaitSeconds,
		m.graceInterrupted,
		m.teardownFailedTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

// IncRateLimitDenied matches ratelimit.WithOnDenied.
func (m *ServerMetrics) IncRateLimitDenied(string) {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// TrackReadiness seeds the gauge for a tracker that starts ready and returns
// the option that keeps it current. Updates are published under name, not the
// tracker's own name, so the series matches the registry key.
func (m *ServerMetrics) TrackReadiness(name string) readiness.TrackerOption {
	g := m.reporterReady.WithLabelValues(name)
	g.Set(1)
	return readiness.WithOnChange(func(_ string, s readiness.State) {
		g.Set(boolGauge(s.Ready))
	})
}

func (m *ServerMetrics) ShutdownPhase(p shutdown.Phase) {
	m.shutdownPhase.Set(float64(p))
}

func (m *ServerMetrics) ReportersNotified(n int) {
	m.reportersNotified.Set(float64(n))
}

func (m *ServerMetrics) DrainCompleted(waited time.Duration, interrupted bool) {
	m.graceWaitSeconds.Set(waited.Seconds())
	if interrupted {
		m.graceInterrupted.Inc()
	}
}

func (m *ServerMetrics) TeardownFailed() {
	m.teardownFailedTotal.Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
