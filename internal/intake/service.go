// Package intake turns submission events into hook logs and queued attempts
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/ledger"
	"github.com/marminbh/hook-svc/internal/models"
	"github.com/marminbh/hook-svc/internal/registry"
	"github.com/marminbh/hook-svc/internal/scheduler"
	"github.com/marminbh/hook-svc/internal/submission"
)

// ErrInvalidEvent marks events that can never be processed
var ErrInvalidEvent = errors.New("invalid intake event")

// Queue is the part of the scheduler intake needs
type Queue interface {
	Enqueue(ctx context.Context, item scheduler.Item) error
	CancelHook(ctx context.Context, hookID uuid.UUID) (int, error)
}

// Result reports what one submission event produced
type Result struct {
	Hooks   int `json:"hooks"`
	Created int `json:"created"`
	Queued  int `json:"queued"`
}

type Service struct {
	registry    *registry.Registry
	logs        *ledger.Store
	submissions *submission.Store
	queue       Queue
	logger      *zap.Logger
}

func NewService(reg *registry.Registry, logs *ledger.Store, subs *submission.Store, queue Queue, logger *zap.Logger) *Service {
	return &Service{
		registry:    reg,
		logs:        logs,
		submissions: subs,
		queue:       queue,
		logger:      logger,
	}
}

// SubmissionCreated creates one hook log per active hook of the form and
// queues a first attempt for each. Seeing the same event again creates
// nothing new.
func (s *Service) SubmissionCreated(ctx context.Context, event models.SubmissionCreated) (*Result, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	hooks, err := s.registry.Resolve(ctx, event.FormID)
	if err != nil {
		return nil, err
	}

	result := &Result{Hooks: len(hooks)}
	if len(hooks) == 0 {
		s.logger.Info("No active hooks for form",
			zap.String("form_id", event.FormID),
			zap.String("submission_uuid", event.SubmissionUUID),
		)
		return result, nil
	}

	_, err = s.submissions.GetOrCreate(ctx, models.Submission{
		UUID:   event.SubmissionUUID,
		FormID: event.FormID,
		Fields: event.Fields,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, hook := range hooks {
		log, created, err := s.logs.GetOrCreate(ctx, hook.ID, event.SubmissionUUID)
		if err != nil {
			return nil, err
		}
		if created {
			result.Created++
		}
		// an existing CREATED log may never have been queued
		if log.Status != models.StatusCreated {
			continue
		}

		err = s.queue.Enqueue(ctx, scheduler.Item{LogID: log.ID, HookID: hook.ID, NotBefore: now})
		if err != nil {
			// the recovery sweep queues CREATED logs after a grace period
			s.logger.Error("Failed to queue first attempt",
				zap.String("log_id", log.ID.String()),
				zap.Error(err),
			)
			continue
		}
		result.Queued++
	}

	s.logger.Info("Processed submission",
		zap.String("form_id", event.FormID),
		zap.String("submission_uuid", event.SubmissionUUID),
		zap.Int("hooks", result.Hooks),
		zap.Int("created", result.Created),
		zap.Int("queued", result.Queued),
	)
	return result, nil
}

// HookDeactivated drops queued attempts for a hook that was deactivated or
// deleted and queues its unfinished logs for an immediate attempt, which the
// dispatcher closes as "destination disabled". It returns the number of
// unfinished logs.
func (s *Service) HookDeactivated(ctx context.Context, hookID uuid.UUID) (int, error) {
	if hookID == uuid.Nil {
		return 0, fmt.Errorf("%w: hook_id is required", ErrInvalidEvent)
	}

	removed, err := s.queue.CancelHook(ctx, hookID)
	if err != nil {
		return 0, err
	}

	pending, err := s.logs.Pending(ctx, hookID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, log := range pending {
		if err := s.queue.Enqueue(ctx, scheduler.Item{LogID: log.ID, HookID: hookID, NotBefore: now}); err != nil {
			return 0, err
		}
	}

	s.logger.Info("Hook deactivated",
		zap.String("hook_id", hookID.String()),
		zap.Int("dequeued", removed),
		zap.Int("pending", len(pending)),
	)
	return len(pending), nil
}

// Handle dispatches a decoded envelope by type
func (s *Service) Handle(ctx context.Context, envelope models.IntakeEnvelope) error {
	eventType, err := models.ParseEventType(envelope.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch eventType {
	case models.EventSubmissionCreated:
		if envelope.Submission == nil {
			return fmt.Errorf("%w: submission is required", ErrInvalidEvent)
		}
		_, err = s.SubmissionCreated(ctx, *envelope.Submission)
	case models.EventHookDeactivated, models.EventHookDeleted:
		_, err = s.HookDeactivated(ctx, envelope.HookID)
	}
	return err
}

// Permanent reports errors that retrying the same event cannot fix
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || errors.Is(err, registry.ErrFormNotFound)
}
