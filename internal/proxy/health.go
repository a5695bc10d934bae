package proxy

import (
	"encoding/json"
	"net/http"
)

// Health handles GET /health: a snapshot of the tier registry, one entry
// per tier. It reads only in-process state and never forwards.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "healthy"}
	for t, status := range h.registry.Report() {
		payload[t.String()] = status
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
