package api

import (
	"context"
	"net/http"

	"github.com/Priya8975/notifly/internal/engine"
)

type BreakerReader interface {
	GetState(ctx context.Context, target string) engine.CircuitBreakerState
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string                       `json:"status"`
	Version  string                       `json:"version"`
	Circuits []engine.CircuitBreakerState `json:"circuits"`
}

// HealthHandler reports liveness plus the breaker state of every configured provider.
// Open circuits degrade the status but never fail the check.
func HealthHandler(cb BreakerReader, targets []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "healthy",
			Version:  "1.0.0",
			Circuits: make([]engine.CircuitBreakerState, 0, len(targets)),
		}

		for _, target := range targets {
			state := cb.GetState(r.Context(), target)
			if state.State == engine.StateOpen {
				resp.Status = "degraded"
			}
			resp.Circuits = append(resp.Circuits, state)
		}

		respondJSON(w, http.StatusOK, resp)
	}
}
