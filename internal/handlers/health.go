package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/stanstork/stratum-transfer/internal/health"
)

type HealthHandler struct {
	gate *health.Gate
}

func NewHealthHandler(gate *health.Gate) *HealthHandler {
	return &HealthHandler{gate: gate}
}

// HealthCheck reports ok, or 503 with the indicator that closed the gate.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	open, sig := h.gate.Open(r.Context())
	if !open {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "degraded",
			"indicator": sig.Indicator,
			"reason":    sig.Reason,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
