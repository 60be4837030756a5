package health

import (
	"encoding/json"
	"net/http"
	"sort"
)

// HealthzHandler: 200 OK when probe passes, 503 otherwise (with reason)
func HealthzHandler(p Probe) http.HandlerFunc {
	return textHandler(p, "ok\n")
}

// ReadyzHandler: 200 OK when probe passes, 503 otherwise (with reason)
func ReadyzHandler(p Probe) http.HandlerFunc {
	return textHandler(p, "ready\n")
}

func textHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}

// HealthHandler aggregates named indicators into one JSON document. The
// overall status is DOWN (503) if any indicator is DOWN.
func HealthHandler(indicators map[string]Indicator) http.HandlerFunc {
	names := make([]string, 0, len(indicators))
	for name := range indicators {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		out := struct {
			Status     string            `json:"status"`
			Components map[string]Health `json:"components,omitempty"`
		}{Status: StatusUp}

		if len(names) > 0 {
			out.Components = make(map[string]Health, len(names))
		}
		for _, name := range names {
			h := indicators[name].Health()
			out.Components[name] = h
			if h.Status != StatusUp {
				out.Status = StatusDown
			}
		}

		code := http.StatusOK
		if out.Status != StatusUp {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(out)
	}
}
