// Package healthhttp exposes readiness over plain REST routes. The
// orchestrator polls GET /ready: 200 while ready, 404 once shutdown begins.
package healthhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
)

// ProbeController is the REST-facing readiness reporter.
type ProbeController struct {
	*readiness.Tracker
}

func NewProbeController(l log.Logger, opts ...readiness.TrackerOption) *ProbeController {
	opts = append([]readiness.TrackerOption{readiness.WithLogger(l)}, opts...)
	return &ProbeController{Tracker: readiness.NewTracker("rest", opts...)}
}

type statusBody struct {
	Ready   bool      `json:"ready"`
	Detail  string    `json:"detail"`
	Changed time.Time `json:"changed"`
}

// RegisterRoutes attaches /alive, /ready and /status to r. Mount it under a
// prefix with r.Route.
func (pc *ProbeController) RegisterRoutes(r chi.Router) {
	// liveness is unaffected by shutdown; the process is still up while draining
	r.Get("/alive", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive\n"))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		s := pc.Status()
		if !s.Ready {
			http.Error(w, s.Detail+"\n", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		s := pc.Status()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(statusBody{Ready: s.Ready, Detail: s.Detail, Changed: s.Changed})
	})
}

type registrationBody struct {
	Key string `json:"key"`
	statusBody
}

type readinessBody struct {
	Ready     bool               `json:"ready"`
	Reporters []registrationBody `json:"reporters"`
}

// RegistryRoutes returns a mount serving GET /readiness: every registered
// reporter's state, 200 while all are ready and 503 otherwise.
func RegistryRoutes(reg *readiness.Registry) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/readiness", func(w http.ResponseWriter, r *http.Request) {
			regs := reg.DiscoverAll()
			body := readinessBody{Ready: true, Reporters: make([]registrationBody, 0, len(regs))}
			for _, rg := range regs {
				s := rg.Reporter.Status()
				body.Ready = body.Ready && s.Ready
				body.Reporters = append(body.Reporters, registrationBody{
					Key:        rg.Key,
					statusBody: statusBody{Ready: s.Ready, Detail: s.Detail, Changed: s.Changed},
				})
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
			if !body.Ready {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(body)
		})
	}
}
