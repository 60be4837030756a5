package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/gracefulshutdown/internal/app"
	"github.com/keithlinneman/gracefulshutdown/internal/cfg"
	"github.com/keithlinneman/gracefulshutdown/internal/grpcserver"
	"github.com/keithlinneman/gracefulshutdown/internal/health"
	"github.com/keithlinneman/gracefulshutdown/internal/healthhttp"
	"github.com/keithlinneman/gracefulshutdown/internal/httpmw"
	"github.com/keithlinneman/gracefulshutdown/internal/httpserver"
	"github.com/keithlinneman/gracefulshutdown/internal/launch"
	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/metrics"
	"github.com/keithlinneman/gracefulshutdown/internal/opshttp"
	"github.com/keithlinneman/gracefulshutdown/internal/otelx"
	"github.com/keithlinneman/gracefulshutdown/internal/prof"
	"github.com/keithlinneman/gracefulshutdown/internal/ratelimit"
	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
	"github.com/keithlinneman/gracefulshutdown/internal/shutdown"
	v "github.com/keithlinneman/gracefulshutdown/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi)
		return 0
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		return 1
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	L, err := log.New(log.Options{
		App:               v.AppName,
		Component:         "server",
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"grpc_port", conf.GRPCPort,
		"enable_grpc", conf.EnableGRPC,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"default_health_check", conf.DefaultHealthCheck,
		"config_file", conf.ConfigFile,
		"config_ssm_prefix", conf.ConfigSSMPrefix,
		"config_s3_bucket", conf.ConfigS3Bucket,
		"overrides", conf.Properties.String(),
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}

	// Insecure is true because we only push to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	// flushed after the shutdown sequence so its spans are exported
	defer func() {
		if err := shutdownOTEL(context.Background()); err != nil {
			L.Error(context.Background(), err, "otel shutdown")
		}
	}()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	props, err := cfg.PropertySources(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to build property sources")
		_ = stopProf(ctx)
		return 1
	}

	a := app.New(app.Options{
		Name:               v.AppName,
		Logger:             L,
		Properties:         props,
		DefaultHealthCheck: conf.DefaultHealthCheck,
		HealthCheckOptions: []readiness.TrackerOption{m.TrackReadiness(app.HealthCheckKey)},
		NotifySystemd:      true,
	})
	// closed last
	a.OnClose("pyroscope", stopProf)

	err = launch.Run(ctx, launch.Options{
		App:    a,
		Entry:  entry(conf, m),
		Args:   flag.Args(),
		Logger: L,
		Shutdown: shutdown.Options{
			Override: conf.Properties,
			Observer: m,
		},
		Started: func(c *shutdown.Coordinator) {
			L.Info(ctx, "ready to serve", "wait_seconds", c.WaitSeconds(), "phase", c.Phase().String())
		},
	})
	if err != nil {
		L.Error(ctx, err, "application exited with error")
		return 1
	}
	return 0
}

// entry starts the listeners. Resources are closed in reverse, so the app
// listener stops first and the ops listener stays up for scraping.
func entry(conf cfg.App, m *metrics.ServerMetrics) launch.EntryFunc {
	return func(ctx context.Context, a *app.App, _ []string) error {
		L := a.L

		pc := healthhttp.NewProbeController(L, m.TrackReadiness("restProbeController"))
		a.Registry().Register("restProbeController", pc)
		a.AddIndicator("restProbeController", health.ReporterIndicator(pc))

		ready := health.RegistryProbe(a.Registry())

		// ops listener: metrics, health, pprof. Rejects public peers.
		opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
			Port:         conf.AdminPort,
			Metrics:      m.Handler(),
			EnablePprof:  conf.EnablePprof,
			Health:       health.Fixed(true, ""),
			Readiness:    ready,
			Indicators:   a.Indicators,
			Probes:       pc,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
		})
		if err != nil {
			return err
		}
		a.OnClose("opshttp", opsStop)

		if conf.EnableGRPC {
			gs := grpcserver.New(L, grpcserver.Options{Port: conf.GRPCPort})
			gr := grpcserver.NewHealthReporter(gs.Health(), "", L, m.TrackReadiness("grpcHealthReporter"))
			a.Registry().Register("grpcHealthReporter", gr)
			a.AddIndicator("grpcHealthReporter", health.ReporterIndicator(gr))

			grpcStop, err := gs.Start(ctx)
			if err != nil {
				return err
			}
			a.OnClose("grpc", grpcStop)
		}

		var api func(chi.Router)
		if conf.EnableAPI {
			lctx, stopLimiter := context.WithCancel(ctx)
			a.OnClose("ratelimit", func(context.Context) error { stopLimiter(); return nil })
			limiter := ratelimit.New(lctx,
				ratelimit.WithRate(conf.APIRatePerSecond, conf.APIRateBurst),
				ratelimit.WithOnDenied(m.IncRateLimitDenied),
				ratelimit.WithOnFirstDenied(func(host string) {
					L.Warn(ctx, "api rate limit exceeded", "network.peer.address", host)
				}),
			)
			api = func(r chi.Router) {
				r.With(limiter.Middleware, httpmw.Scope("api")).Route("/api/v1", healthhttp.RegistryRoutes(a.Registry()))
			}
		}

		httpStop, err := httpserver.Start(ctx, httpserver.Options{
			Logger:       L,
			APIRoutes:    api,
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    ready,
			Probes:       pc,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
		})
		if err != nil {
			return err
		}
		a.OnClose("http", httpStop)
		return nil
	}
}
