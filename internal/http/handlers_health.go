package httpx

import (
	"context"
	"io"
	"net/http"
	"time"
)

const (
	healthResponse     = `{"status":"ok"}`
	healthCheckTimeout = 2 * time.Second
)

// Pinger reports whether a dependency is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// healthHandler returns 200 when every dependency answers a ping and 503 otherwise.
func healthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		for name, dep := range deps {
			if err := dep.PingContext(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, name+"_unavailable", err.Error())
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.WriteString(w, healthResponse); err != nil {
			// Nothing more to do if the client connection is gone.
			return
		}
	}
}
