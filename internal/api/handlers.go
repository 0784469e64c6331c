package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"formsync/internal/middleware"
	"formsync/internal/models"
	"formsync/internal/repository"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

// Handler handles HTTP requests
type Handler struct {
	collab    CollaborationService
	responses ResponseStore // nil when persistence is disabled
	wsHandler http.Handler
}

func NewHandler(collab CollaborationService, responses ResponseStore, wsHandler http.Handler) *Handler {
	return &Handler{
		collab:    collab,
		responses: responses,
		wsHandler: wsHandler,
	}
}

type presenceResponse struct {
	DocumentID string                `json:"documentId"`
	Users      []models.UserPresence `json:"users"`
}

type lockView struct {
	FieldID    string    `json:"fieldId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

type locksResponse struct {
	DocumentID string     `json:"documentId"`
	Locks      []lockView `json:"locks"`
}

type valuesResponse struct {
	DocumentID string                     `json:"documentId"`
	Values     map[string]json.RawMessage `json:"values"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.collab.ConnectionCount(),
	})
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	writeJSON(w, http.StatusOK, presenceResponse{
		DocumentID: id,
		Users:      h.collab.Presence(id),
	})
}

func (h *Handler) GetLocks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	held := h.collab.Locks(id)
	locks := make([]lockView, 0, len(held))
	for _, l := range held {
		locks = append(locks, lockView{
			FieldID:    l.FieldID,
			UserID:     l.HolderUserID,
			UserName:   l.HolderName,
			AcquiredAt: l.AcquiredAt.UTC(),
		})
	}

	writeJSON(w, http.StatusOK, locksResponse{DocumentID: id, Locks: locks})
}

func (h *Handler) GetResponse(w http.ResponseWriter, r *http.Request) {
	if h.responses == nil {
		http.Error(w, "persistence is disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]

	ctx, span := middleware.StartSpan(r.Context(), "Handler.GetResponse", attribute.String("form.id", id))
	defer span.End()

	values, err := h.responses.GetValues(ctx, id)
	if errors.Is(err, repository.ErrResponseNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("Failed to load response for form %s: %v", id, err)
		http.Error(w, "failed to load response", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, valuesResponse{DocumentID: id, Values: values})
}

func (h *Handler) DeleteResponse(w http.ResponseWriter, r *http.Request) {
	if h.responses == nil {
		http.Error(w, "persistence is disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]

	err := h.responses.Delete(r.Context(), id)
	if errors.Is(err, repository.ErrResponseNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		log.Printf("Failed to delete response for form %s: %v", id, err)
		http.Error(w, "failed to delete response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
