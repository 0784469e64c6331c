package api

import (
	"net/http"
)

// HandleWebSocket upgrades a participant connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHandler == nil {
		http.Error(w, "realtime collaboration unavailable", http.StatusServiceUnavailable)
		return
	}
	h.wsHandler.ServeHTTP(w, r)
}
