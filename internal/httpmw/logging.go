package httpmw

import (
	"net"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
)

// WithLogger puts a request-scoped logger on the context carrying the
// request id, peer, method, path and scheme. Query strings and headers are
// never attached.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	base = log.OrNop(base)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			fields := requestFields{
				id:     RequestIDFromContext(ctx),
				peer:   PeerHost(r.RemoteAddr),
				scheme: schemeFromRequest(r),
			}
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(fields.attrs()...)
			}
			L := base.With(
				"request_id", fields.id,
				"network.peer.address", fields.peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", fields.scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

type requestFields struct{ id, peer, scheme string }

func (f requestFields) attrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("request_id", f.id),
		attribute.String("network.peer.address", f.peer),
		attribute.String("url.scheme", f.scheme),
	}
}

// PeerHost is the host part of a RemoteAddr. Forwarding headers are not
// consulted.
func PeerHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// AccessLog writes one "http request" line per request, at debug for paths
// under any quiet prefix.
func AccessLog(quiet ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			ctx := r.Context()
			kv := []any{
				"http.response.status_code", m.Code,
				"http.server.request.duration", m.Duration.Seconds(),
				"http.response.body.size", m.Written,
				"http.route", routeOrPath(r),
			}
			L := log.FromContext(ctx)
			if underAny(r.URL.Path, quiet) {
				L.Debug(ctx, "http request", kv...)
			} else {
				L.Info(ctx, "http request", kv...)
			}
		})
	}
}

func routeOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func underAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// schemeFromRequest returns "http" or "https" and nothing else, preferring
// the first X-Forwarded-Proto value.
func schemeFromRequest(r *http.Request) string {
	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	candidates := []string{strings.TrimSpace(first)}
	if r.URL != nil {
		candidates = append(candidates, r.URL.Scheme)
	}
	for _, c := range candidates {
		if s := strings.ToLower(c); s == "http" || s == "https" {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
