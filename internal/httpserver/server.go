package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/gracefulshutdown/internal/health"
	"github.com/keithlinneman/gracefulshutdown/internal/httpmw"
	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

const (
	DefaultPort         = 8080
	DefaultMaxBodyBytes = 64 << 10
	DefaultStopTimeout  = 5 * time.Second

	// ProbePrefix is where the REST readiness controller is mounted.
	ProbePrefix = "/probe"
)

// Timeouts shared with the ops listener.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

// quietPrefixes are polled by orchestrators: untraced, debug-level access logs.
var quietPrefixes = []string{ProbePrefix + "/", "/-/"}

func isQuiet(path string) bool {
	for _, p := range quietPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func routes(opts Options) chi.Router {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Compress(5, "application/json", "text/plain"),
		httpmw.NameSpanByRoute,
		httpmw.AccessLog(quietPrefixes...),
		middleware.RequestSize(maxBody),
	)

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.Probes != nil {
		r.With(httpmw.Scope("probe")).Route(ProbePrefix, opts.Probes.RegisterRoutes)
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	return r
}

// NewHandler wraps the router, innermost first, in the request logger,
// metrics, trace id headers, drain connection shedding, OTEL, request ids
// and panic recovery.
func NewHandler(opts Options) http.Handler {
	L := log.OrNop(opts.Logger)

	outer := []func(http.Handler) http.Handler{
		httpmw.WithLogger(L),
		opts.MetricsMW,
		httpmw.TraceIDs,
		httpmw.CloseWhenDraining(opts.Readiness),
		func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "http.server",
				otelhttp.WithFilter(func(r *http.Request) bool { return !isQuiet(r.URL.Path) }),
				// NameSpanByRoute swaps the path for the route pattern
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return r.Method + " " + r.URL.Path
				}),
			)
		},
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
	}
	if opts.UseRecoverMW {
		outer = append(outer, httpmw.Recover(L, opts.OnPanic))
	}

	var h http.Handler = routes(opts)
	for _, mw := range outer {
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start binds the application listener and serves in the background. The
// returned stop waits for in-flight requests, bounded by DefaultStopTimeout;
// only its first call does anything.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	L := log.OrNop(opts.Logger)
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := ":" + strconv.Itoa(port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}
	srv := NewServer(addr, NewHandler(opts))

	go func() {
		L.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server error", "addr", addr)
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "http server shutting down", "addr", addr)
			c, cancel := context.WithTimeout(sctx, DefaultStopTimeout)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
