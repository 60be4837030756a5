package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests that never reached a chi route.
const unmatchedRoute = "unmatched"

// Middleware records in-flight, count, latency, size and 5xx totals. Labels
// are method, code and the chi route pattern, never the raw path.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	route := promhttp.WithLabelFromCtx("route", routeFromContext)
	exemplar := promhttp.WithExemplarFromContext(traceExemplar)

	var h http.Handler = promhttp.InstrumentHandlerResponseSize(m.respBytes, next, route)
	h = promhttp.InstrumentHandlerDuration(m.reqDur, h, route, exemplar)
	h = promhttp.InstrumentHandlerCounter(m.reqTotal, h, route, exemplar)
	h = m.countServerErrors(h)
	h = promhttp.InstrumentHandlerInFlight(m.inflight, h)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// chi fills an existing route context in place, so the pattern is
		// readable once the handler returns
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}
		h.ServeHTTP(w, r)
	})
}

func (m *ServerMetrics) countServerErrors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mt := httpsnoop.CaptureMetrics(next, w, r)
		if mt.Code >= http.StatusInternalServerError {
			m.errorsTotal.WithLabelValues(methodLabel(r.Method), routeFromContext(r.Context())).Inc()
		}
	})
}

func routeFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// methodLabel matches promhttp's lower-case method values.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return strings.ToLower(method)
	}
	return "unknown"
}

// if a sampled trace is present attach its trace_id as an exemplar
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
