package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"formsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrResponseNotFound is returned when no values were ever saved for a form.
var ErrResponseNotFound = errors.New("shared response not found")

// ResponseRepositoryImpl stores each form's shared response as one jsonb
// row in Postgres.
type ResponseRepositoryImpl struct {
	db *gorm.DB
}

func NewResponseRepository(db *gorm.DB) *ResponseRepositoryImpl {
	return &ResponseRepositoryImpl{db: db}
}

// SaveValues merges values into the form's stored response, creating
// the row on first save. Fields not named in values are kept.
func (r *ResponseRepositoryImpl) SaveValues(ctx context.Context, formID string, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}

	response := &models.SharedResponse{FormID: formID, Values: values}

	// One statement, so concurrent first saves of a form cannot race.
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "form_id"}},
		DoUpdates: clause.Set{
			{
				Column: clause.Column{Name: "field_values"},
				Value:  gorm.Expr(`"shared_responses"."field_values" || EXCLUDED."field_values"`),
			},
			{
				Column: clause.Column{Name: "updated_at"},
				Value:  gorm.Expr(`EXCLUDED."updated_at"`),
			},
		},
	}).Create(response).Error
	if err != nil {
		return fmt.Errorf("failed to save response for form %s: %w", formID, err)
	}

	return nil
}

// GetValues returns the last saved value of every field of a form.
func (r *ResponseRepositoryImpl) GetValues(ctx context.Context, formID string) (map[string]json.RawMessage, error) {
	var response models.SharedResponse

	err := r.db.WithContext(ctx).First(&response, "form_id = ?", formID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResponseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get response for form %s: %w", formID, err)
	}

	return response.Values, nil
}

// Delete removes a form's stored response.
func (r *ResponseRepositoryImpl) Delete(ctx context.Context, formID string) error {
	result := r.db.WithContext(ctx).Where("form_id = ?", formID).Delete(&models.SharedResponse{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete response for form %s: %w", formID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrResponseNotFound
	}
	return nil
}
