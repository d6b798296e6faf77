// Package httpx serves the ops listener: liveness, slot state and Prometheus metrics.
package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/inferbatch/internal/domain/model"
)

// SlotReporter exposes the current state of one accelerator slot.
type SlotReporter interface {
	Snapshot() model.ModelSession
}

// OpsServices holds what the ops router serves.
type OpsServices struct {
	Health  map[string]Pinger // Optional: dependencies checked by /healthz
	Slots   []SlotReporter    // Optional: reported by /slots
	Metrics http.Handler      // Optional: served on /metrics
	Logger  *slog.Logger      // Optional
}

// NewOpsRouter builds the ops handler with logging and panic recovery applied.
func NewOpsRouter(svcs OpsServices) http.Handler {
	logger := svcs.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler(svcs.Health))
	mux.HandleFunc("GET /slots", slotsHandler(svcs.Slots))
	if svcs.Metrics != nil {
		mux.Handle("GET /metrics", svcs.Metrics)
	}

	return chain(mux, Recover(logger), Logging(logger))
}

func slotsHandler(slots []SlotReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := make([]model.ModelSession, 0, len(slots))
		for _, s := range slots {
			out = append(out, s.Snapshot())
		}
		writeJSON(w, http.StatusOK, map[string]any{"slots": out})
	}
}
