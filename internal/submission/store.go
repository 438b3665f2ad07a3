// Package submission keeps the field snapshot of each submission so every
// delivery attempt builds its payload from the same data.
package submission

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marminbh/hook-svc/internal/models"
)

var ErrNotFound = errors.New("submission not found")

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate stores the snapshot unless one already exists for the uuid. The
// first snapshot wins, a redelivered event never rewrites it.
func (s *Store) GetOrCreate(ctx context.Context, sub models.Submission) (*models.Submission, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "uuid"}}, DoNothing: true}).
		Create(&sub).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store submission %s: %w", sub.UUID, err)
	}
	return s.Get(ctx, sub.UUID)
}

func (s *Store) Get(ctx context.Context, uuid string) (*models.Submission, error) {
	var sub models.Submission
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
		}
		return nil, fmt.Errorf("failed to load submission %s: %w", uuid, err)
	}
	return &sub, nil
}
