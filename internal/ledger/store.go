// Package ledger persists one HookLog per (hook, submission) pair and
// arbitrates which worker may advance it.
//
// A worker must Claim a log before attempting delivery. The claim moves the log
// to PROCESSING and stamps a lease; Finalize applies the outcome only while the
// caller still holds that lease. A lease that expires (crashed worker) makes the
// log claimable again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marminbh/hook-svc/internal/models"
)

var (
	ErrNotFound     = errors.New("hook log not found")
	ErrNotClaimable = errors.New("hook log is not claimable")
	ErrLeaseLost    = errors.New("hook log lease lost")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns the log for the pair, inserting a CREATED row when none
// exists. The boolean reports whether this call inserted it.
func (s *Store) GetOrCreate(ctx context.Context, hookID uuid.UUID, submissionUUID string) (*models.HookLog, bool, error) {
	log := models.HookLog{
		HookID:         hookID,
		SubmissionUUID: submissionUUID,
		Status:         models.StatusCreated,
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hook_id"}, {Name: "submission_uuid"}},
			DoNothing: true,
		}).
		Create(&log)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create hook log: %w", result.Error)
	}
	created := result.RowsAffected == 1

	var stored models.HookLog
	err := s.db.WithContext(ctx).
		Where("hook_id = ? AND submission_uuid = ?", hookID, submissionUUID).
		First(&stored).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to load hook log: %w", err)
	}
	return &stored, created, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.HookLog, error) {
	var log models.HookLog
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load hook log %s: %w", id, err)
	}
	return &log, nil
}

// Claim takes the lease on a log and moves it to PROCESSING. Only CREATED logs,
// RETRYING logs whose next attempt is due and PROCESSING logs with an expired
// lease can be claimed; anything else yields ErrNotClaimable.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*models.HookLog, error) {
	now := s.now()
	expires := now.Add(ttl)

	result := s.db.WithContext(ctx).
		Model(&models.HookLog{}).
		Where("id = ?", id).
		Where(s.db.
			Where("status = ?", models.StatusCreated).
			Or("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", models.StatusRetrying, now).
			Or("status = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)", models.StatusProcessing, now)).
		Updates(map[string]interface{}{
			"status":           models.StatusProcessing,
			"lease_owner":      owner,
			"lease_expires_at": expires,
			"date_modified":    now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to claim hook log %s: %w", id, result.Error)
	}
	if result.RowsAffected != 1 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}
	return s.Get(ctx, id)
}

// Finalize locks the log, checks the caller still owns the lease and applies
// the outcome in the same transaction. The lease is cleared on success.
func (s *Store) Finalize(ctx context.Context, id uuid.UUID, owner string, apply func(*models.HookLog)) (*models.HookLog, error) {
	var updated models.HookLog

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var log models.HookLog
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&log).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("failed to lock hook log: %w", err)
		}

		if log.Status != models.StatusProcessing || log.LeaseOwner != owner {
			return fmt.Errorf("%w: %s", ErrLeaseLost, id)
		}

		apply(&log)
		log.LeaseOwner = ""
		log.LeaseExpiresAt = nil
		log.DateModified = s.now()

		err = tx.Model(&log).
			Select("status", "tries", "message", "status_code", "next_attempt_at", "lease_owner", "lease_expires_at", "date_modified").
			Updates(&log).Error
		if err != nil {
			return fmt.Errorf("failed to update hook log: %w", err)
		}
		updated = log
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Recoverable lists logs that should be in the retry queue but may have been
// lost: PROCESSING with an expired lease, RETRYING past its due time and
// CREATED rows older than grace.
func (s *Store) Recoverable(ctx context.Context, grace time.Duration, limit int) ([]models.HookLog, error) {
	now := s.now()
	var logs []models.HookLog

	err := s.db.WithContext(ctx).
		Where("status = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)", models.StatusProcessing, now).
		Or("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", models.StatusRetrying, now).
		Or("status = ? AND date_created < ?", models.StatusCreated, now.Add(-grace)).
		Order("date_created ASC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable hook logs: %w", err)
	}
	return logs, nil
}

// Pending lists the non-terminal logs of a hook
func (s *Store) Pending(ctx context.Context, hookID uuid.UUID) ([]models.HookLog, error) {
	var logs []models.HookLog
	err := s.db.WithContext(ctx).
		Where("hook_id = ? AND status NOT IN ?", hookID, []models.LogStatus{models.StatusSuccess, models.StatusFailed}).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending hook logs: %w", err)
	}
	return logs, nil
}

// Filter narrows an audit listing
type Filter struct {
	HookID *uuid.UUID
	Status *models.LogStatus
	Limit  int
	Offset int
}

// Page is one page of an audit listing
type Page struct {
	Logs    []models.HookLog `json:"logs"`
	HasMore bool             `json:"has_more"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// List returns logs most recent first
func (s *Store) List(ctx context.Context, filter Filter) (*Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := s.db.WithContext(ctx).Model(&models.HookLog{})
	if filter.HookID != nil {
		query = query.Where("hook_id = ?", *filter.HookID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var logs []models.HookLog
	err := query.
		Order("date_created DESC").
		Order("id DESC").
		Limit(limit + 1).
		Offset(offset).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list hook logs: %w", err)
	}

	page := &Page{Logs: logs, Limit: limit, Offset: offset}
	if len(logs) > limit {
		page.Logs = logs[:limit]
		page.HasMore = true
	}
	if page.Logs == nil {
		page.Logs = []models.HookLog{}
	}
	return page, nil
}
