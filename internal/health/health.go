// Package health serves the liveness and readiness probes.
package health

import (
	"net/http"
	"strings"
)

// Check is one named readiness condition.
type Check struct {
	Name  string
	Ready func() bool
}

// Healthz returns 200 "ok\n" unconditionally.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Readyz returns a handler that answers 200 "ready\n" when every check
// passes, and otherwise 503 naming the failing checks, e.g.
// "not ready: catalog\n".
func Readyz(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		var failing []string
		for _, c := range checks {
			if c.Ready != nil && !c.Ready() {
				failing = append(failing, c.Name)
			}
		}
		if len(failing) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: " + strings.Join(failing, ", ") + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready\n"))
	}
}
