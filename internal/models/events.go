package models

import "encoding/json"

// Event names on the wire. Every websocket text frame is an Envelope.
const (
	EventJoinForm           = "join-form"
	EventUserListUpdate     = "user-list-update"
	EventFieldUpdate        = "field-update"
	EventFieldLock          = "field-lock"
	EventFieldUnlock        = "field-unlock"
	EventFieldLockedByOther = "field-locked-by-other"
	EventTypingStart        = "typing-start"
	EventTypingStop         = "typing-stop"
	EventCurrentLocks       = "current-locks"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DocumentRef is embedded in every inbound payload. Older clients send
// formId instead of documentId; both are accepted.
type DocumentRef struct {
	DocumentID string `json:"documentId,omitempty"`
	FormID     string `json:"formId,omitempty"`
}

// Document returns whichever document key the client sent.
func (r DocumentRef) Document() string {
	if r.DocumentID != "" {
		return r.DocumentID
	}
	return r.FormID
}

type JoinForm struct {
	DocumentRef
	UserID    string  `json:"userId"`
	UserName  *string `json:"userName,omitempty"`
	UserEmail *string `json:"userEmail,omitempty"`
}

type UserPresence struct {
	ID    string  `json:"id"`
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

type UserListUpdate struct {
	DocumentID string         `json:"documentId"`
	Users      []UserPresence `json:"users"`
}

type FieldUpdate struct {
	DocumentRef
	FieldID string          `json:"fieldId"`
	Value   json.RawMessage `json:"value"`
}

// FieldUpdateOut is the rebroadcast form; Value is forwarded byte for byte.
type FieldUpdateOut struct {
	DocumentID string          `json:"documentId"`
	FieldID    string          `json:"fieldId"`
	Value      json.RawMessage `json:"value"`
}

type FieldLockRequest struct {
	DocumentRef
	FieldID   string  `json:"fieldId"`
	UserID    string  `json:"userId"`
	UserName  *string `json:"userName,omitempty"`
	UserEmail *string `json:"userEmail,omitempty"`
}

type FieldLockOut struct {
	DocumentID string  `json:"documentId"`
	FieldID    string  `json:"fieldId"`
	UserID     string  `json:"userId"`
	UserName   *string `json:"userName,omitempty"`
	UserEmail  *string `json:"userEmail,omitempty"`
}

type FieldLockedByOther struct {
	DocumentID   string `json:"documentId"`
	FieldID      string `json:"fieldId"`
	LockedBy     string `json:"lockedBy"`
	LockedByName string `json:"lockedByName,omitempty"`
}

type FieldUnlockRequest struct {
	DocumentRef
	FieldID string `json:"fieldId"`
	UserID  string `json:"userId"`
}

// FieldUnlockOut carries Expired or Disconnected when the release was
// not requested by the holder.
type FieldUnlockOut struct {
	DocumentID   string `json:"documentId"`
	FieldID      string `json:"fieldId"`
	UserID       string `json:"userId"`
	Expired      bool   `json:"expired,omitempty"`
	Disconnected bool   `json:"disconnected,omitempty"`
}

type TypingRequest struct {
	DocumentRef
	FieldID  string `json:"fieldId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type TypingOut struct {
	DocumentID string `json:"documentId"`
	FieldID    string `json:"fieldId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName,omitempty"`
}

type LockInfo struct {
	FieldID string `json:"fieldId"`
	UserID  string `json:"userId"`
}

type CurrentLocks struct {
	DocumentID string     `json:"documentId"`
	Locks      []LockInfo `json:"locks"`
}

// Encode wraps a payload in an Envelope.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
