package api

import (
	"net/http"

	"formsync/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRoutes builds the router. originAllowed decides which browser
// origins get CORS headers.
func SetupRoutes(h *Handler, originAllowed func(string) bool) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing, then recovery, then CORS.
	// Routes list OPTIONS so preflight requests reach the CORS middleware.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware(originAllowed))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods(http.MethodGet, http.MethodOptions)

	// Live collaboration state
	api.HandleFunc("/forms/{id}/presence", h.GetPresence).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/forms/{id}/locks", h.GetLocks).Methods(http.MethodGet, http.MethodOptions)

	// Persisted values
	api.HandleFunc("/forms/{id}/response", h.GetResponse).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/forms/{id}/response", h.DeleteResponse).Methods(http.MethodDelete)

	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}
