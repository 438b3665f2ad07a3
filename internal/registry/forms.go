package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/marminbh/hook-svc/internal/models"
)

// GormFormLookup reads the forms table maintained by the form registry
type GormFormLookup struct {
	db *gorm.DB
}

func NewGormFormLookup(db *gorm.DB) *GormFormLookup {
	return &GormFormLookup{db: db}
}

func (l *GormFormLookup) GetForm(ctx context.Context, formID string) (*models.Form, error) {
	var form models.Form
	err := l.db.WithContext(ctx).Where("id = ?", formID).First(&form).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFormNotFound, formID)
		}
		return nil, fmt.Errorf("failed to load form %s: %w", formID, err)
	}
	return &form, nil
}

var _ FormLookup = (*GormFormLookup)(nil)
