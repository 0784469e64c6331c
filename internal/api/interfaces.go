package api

import (
	"context"
	"encoding/json"

	"formsync/internal/models"
)

// The handlers declare only what they call; the collaboration hub and
// the repositories satisfy these without knowing about them.

// CollaborationService is the read side of the realtime hub.
type CollaborationService interface {
	Presence(documentID string) []models.UserPresence
	Locks(documentID string) []models.FieldLock
	ConnectionCount() int
}

// ResponseStore is the persisted value store, when one is configured.
type ResponseStore interface {
	GetValues(ctx context.Context, formID string) (map[string]json.RawMessage, error)
	Delete(ctx context.Context, formID string) error
}
