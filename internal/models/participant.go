package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Participant is one live connection's presence in a document session.
// It exists only in memory, from join until leave or disconnect.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	DisplayName  *string   `json:"display_name,omitempty"`
	DisplayEmail *string   `json:"display_email,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Presence renders the participant the way user-list-update carries it.
func (p Participant) Presence() UserPresence {
	return UserPresence{ID: p.UserID, Name: p.DisplayName, Email: p.DisplayEmail}
}

// FieldLock is an exclusive, advisory claim on one field of a document.
type FieldLock struct {
	DocumentID   string    `json:"document_id"`
	FieldID      string    `json:"field_id"`
	HolderUserID string    `json:"holder_user_id"`
	HolderName   string    `json:"holder_name,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// NewConnectionID mints a time-ordered identifier for a websocket connection.
func NewConnectionID() string {
	return ksuid.New().String()
}
