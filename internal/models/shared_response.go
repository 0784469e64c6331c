package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// SharedResponse is the durable last-known value of every field of one
// form. It belongs to the external value store; the hub only hands
// values to it.
type SharedResponse struct {
	ID        string                     `json:"id" gorm:"type:char(27);primaryKey"`
	FormID    string                     `json:"formId" gorm:"type:varchar(255);not null;uniqueIndex"`
	Values    map[string]json.RawMessage `json:"values" gorm:"column:field_values;type:jsonb;serializer:json;not null"`
	CreatedAt time.Time                  `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time                  `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate generates KSUID
func (s *SharedResponse) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (SharedResponse) TableName() string {
	return "shared_responses"
}
