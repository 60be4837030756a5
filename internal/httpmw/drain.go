package httpmw

import (
	"net/http"

	"github.com/keithlinneman/gracefulshutdown/internal/health"
)

// CloseWhenDraining sets "Connection: close" on every response once ready
// fails. Keep-alive clients then reconnect, and the balancer routes the new
// connection to an instance that is still in rotation. A nil probe disables
// the middleware.
func CloseWhenDraining(ready health.Probe) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if ready == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := ready.Check(r.Context()); err != nil {
				w.Header().Set("Connection", "close")
			}
			next.ServeHTTP(w, r)
		})
	}
}
