package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/gracefulshutdown/internal/app"
	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
	"github.com/keithlinneman/gracefulshutdown/internal/shutdown"
	"github.com/keithlinneman/gracefulshutdown/internal/version"
)

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := family(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("histogram %q has no samples", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleCount()
}

func histogramSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := family(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("histogram %q has no samples", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleSum()
}

func scrape(t *testing.T, m *ServerMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestScrape_ExposesShutdownAndRuntimeMetrics(t *testing.T) {
	body := scrape(t, New())
	for _, name := range []string{
		"go_goroutines",
		"http_inflight_requests",
		"http_panic_total",
		"profiling_active",
		"shutdown_phase",
		"shutdown_reporters_notified",
		"shutdown_grace_wait_seconds",
		"shutdown_grace_wait_interrupted_total",
		"shutdown_teardown_failures_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("%s missing from scrape", name)
		}
	}
}

func TestNew_RegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncHttpPanic()
	a.ShutdownPhase(shutdown.Terminating)

	if got := testutil.ToFloat64(b.httpPanicTotal); got != 0 {
		t.Fatalf("panic counter leaked across registries: %v", got)
	}
	if got := testutil.ToFloat64(b.shutdownPhase); got != 0 {
		t.Fatalf("phase leaked across registries: %v", got)
	}
}

func TestIncHttpPanic(t *testing.T) {
	m := New()
	for i := 0; i < 3; i++ {
		m.IncHttpPanic()
	}
	if got := testutil.ToFloat64(m.httpPanicTotal); got != 3 {
		t.Fatalf("http_panic_total = %v, want 3", got)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	dirty := true
	tests := []struct {
		name      string
		vi        version.Info
		wantDirty string
	}{
		{"dirty", version.Info{Version: "1.4.0", Commit: "9f1c2e7", BuildId: "b-17", GoVersion: "go1.24.11", VCSDirty: &dirty}, "true"},
		{"unknown dirty", version.Info{Version: "dev"}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.SetBuildInfoFromVersion("gracefulshutdown", "server", tt.vi)

			f := family(t, m.reg, "build_info")
			if f == nil || len(f.GetMetric()) != 1 {
				t.Fatal("want exactly one build_info series")
			}
			metric := f.GetMetric()[0]
			if metric.GetGauge().GetValue() != 1 {
				t.Fatalf("build_info = %v, want 1", metric.GetGauge().GetValue())
			}
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["app"] != "gracefulshutdown" || labels["component"] != "server" || labels["version"] != tt.vi.Version {
				t.Fatalf("labels = %v", labels)
			}
			if labels["vcs_dirty"] != tt.wantDirty {
				t.Fatalf("vcs_dirty = %q, want %q", labels["vcs_dirty"], tt.wantDirty)
			}
		})
	}
}

func TestIncRateLimitDenied(t *testing.T) {
	m := New()
	m.IncRateLimitDenied("10.0.0.1")
	m.IncRateLimitDenied("10.0.0.2")
	if got := testutil.ToFloat64(m.ratelimitDeniedTotal); got != 2 {
		t.Fatalf("denied = %v, want 2", got)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if got := testutil.ToFloat64(m.profilingActive); got != 1 {
		t.Fatalf("profiling_active = %v", got)
	}
	m.SetProfilingActive(false)
	if got := testutil.ToFloat64(m.profilingActive); got != 0 {
		t.Fatalf("profiling_active = %v", got)
	}
}

func TestResponseSizeBuckets_CoverLargeBodies(t *testing.T) {
	m := New()
	serve(m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	})), http.MethodGet, "/")

	f := family(t, m.reg, "http_response_size_bytes")
	if f == nil {
		t.Fatal("http_response_size_bytes not gathered")
	}
	buckets := f.GetMetric()[0].GetHistogram().GetBucket()
	if top := buckets[len(buckets)-1].GetUpperBound(); top < 50_000_000 {
		t.Fatalf("largest bucket = %v, want >= 50MB", top)
	}
}

func TestShutdownObserver(t *testing.T) {
	m := New()

	for _, p := range []shutdown.Phase{shutdown.Draining, shutdown.Terminating, shutdown.Closed} {
		m.ShutdownPhase(p)
		if got := testutil.ToFloat64(m.shutdownPhase); got != float64(p) {
			t.Fatalf("shutdown_phase = %v, want %d", got, p)
		}
	}

	m.ReportersNotified(3)
	if got := testutil.ToFloat64(m.reportersNotified); got != 3 {
		t.Fatalf("reporters notified = %v", got)
	}

	m.DrainCompleted(1500*time.Millisecond, false)
	if got := testutil.ToFloat64(m.graceWaitSeconds); got != 1.5 {
		t.Fatalf("grace wait = %v, want 1.5", got)
	}
	if got := testutil.ToFloat64(m.graceInterrupted); got != 0 {
		t.Fatalf("interrupted = %v, want 0", got)
	}
	m.DrainCompleted(200*time.Millisecond, true)
	if got := testutil.ToFloat64(m.graceInterrupted); got != 1 {
		t.Fatalf("interrupted = %v, want 1", got)
	}

	m.TeardownFailed()
	m.TeardownFailed()
	if got := testutil.ToFloat64(m.teardownFailedTotal); got != 2 {
		t.Fatalf("teardown failures = %v, want 2", got)
	}
}

func TestTrackReadiness(t *testing.T) {
	m := New()
	tr := readiness.NewTracker("rest", m.TrackReadiness("rest"))
	gauge := m.reporterReady.WithLabelValues("rest")

	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("ready gauge = %v, want 1 before any change", got)
	}
	tr.SetReady(false)
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("ready gauge = %v, want 0 after drain", got)
	}
	tr.SetReady(true)
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("ready gauge = %v, want 1", got)
	}
}

func TestTrackReadiness_LabelIsRegistrationKey(t *testing.T) {
	m := New()
	a := app.New(app.Options{
		DefaultHealthCheck: true,
		HealthCheckOptions: []readiness.TrackerOption{m.TrackReadiness(app.HealthCheckKey)},
	})

	a.HealthCheck().SetReady(false)

	if got := testutil.ToFloat64(m.reporterReady.WithLabelValues(app.HealthCheckKey)); got != 0 {
		t.Fatalf("%s gauge = %v after drain, want 0", app.HealthCheckKey, got)
	}
	if n := testutil.CollectAndCount(m.reporterReady); n != 1 {
		t.Fatalf("readiness_reporter_ready series = %d, want 1", n)
	}
}

func TestTrackReadiness_StacksWithOtherCallbacks(t *testing.T) {
	m := New()
	var seen []bool
	tr := readiness.NewTracker("grpc",
		readiness.WithOnChange(func(_ string, s readiness.State) { seen = append(seen, s.Ready) }),
		m.TrackReadiness("grpcHealthReporter"),
	)
	tr.SetReady(false)
	if len(seen) != 1 || seen[0] {
		t.Fatalf("earlier callback saw %v", seen)
	}
	if got := testutil.ToFloat64(m.reporterReady.WithLabelValues("grpcHealthReporter")); got != 0 {
		t.Fatalf("gauge = %v, want 0", got)
	}
}

func TestCoordinatorReportsToMetrics(t *testing.T) {
	m := New()
	reg := readiness.NewRegistry(nil)
	reg.Register("rest", readiness.NewTracker("rest", m.TrackReadiness("rest")))

	zero := 0
	c, err := shutdown.New(context.Background(), shutdown.Options{
		Registry:    reg,
		Teardown:    func(context.Context) error { return nil },
		WaitSeconds: &zero,
		Observer:    m,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.shutdownPhase); got != float64(shutdown.Closed) {
		t.Fatalf("shutdown_phase = %v, want closed", got)
	}
	if got := testutil.ToFloat64(m.reportersNotified); got != 1 {
		t.Fatalf("reporters notified = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reporterReady.WithLabelValues("rest")); got != 0 {
		t.Fatalf("rest should report not ready, gauge = %v", got)
	}
}
