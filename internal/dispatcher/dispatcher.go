// Package dispatcher performs single delivery attempts. An attempt claims the
// hook log, posts the payload to the hook endpoint, classifies the response and
// records the outcome under the claim.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/backoff"
	"github.com/marminbh/hook-svc/internal/config"
	"github.com/marminbh/hook-svc/internal/dynconfig"
	"github.com/marminbh/hook-svc/internal/ledger"
	"github.com/marminbh/hook-svc/internal/models"
	"github.com/marminbh/hook-svc/internal/notifier"
	"github.com/marminbh/hook-svc/internal/payload"
	"github.com/marminbh/hook-svc/internal/registry"
	"github.com/marminbh/hook-svc/internal/submission"
)

const (
	userAgent = "hook-svc/1.0"

	MessageDestinationDisabled = "destination disabled"
	MessageSubmissionNotFound  = "submission not found"
)

type Config struct {
	HTTPTimeout         time.Duration
	LeaseTTL            time.Duration
	MaxResponseBodySize int
	MaxMessageSize      int
	DefaultMaxRetries   int
}

func ConfigFrom(cfg config.WorkerConfig) Config {
	return Config{
		HTTPTimeout:         cfg.HTTPTimeout,
		LeaseTTL:            cfg.LeaseTTL,
		MaxResponseBodySize: cfg.MaxResponseBodySize,
		MaxMessageSize:      cfg.MaxMessageSize,
		DefaultMaxRetries:   cfg.DefaultMaxRetries,
	}
}

// Deps are the collaborators of a Dispatcher
type Deps struct {
	Registry    *registry.Registry
	Logs        *ledger.Store
	Submissions *submission.Store
	Settings    dynconfig.Reader
	Notifier    notifier.Notifier
	Backoff     backoff.Policy
}

// Outcome summarises an attempt for the scheduler
type Outcome struct {
	LogID         uuid.UUID
	HookID        uuid.UUID
	Status        models.LogStatus
	Tries         int
	StatusCode    *int
	NextAttemptAt *time.Time

	// Skipped is set when this call did not advance the log: another worker
	// holds it, it is already terminal, or the lease was lost mid-attempt.
	Skipped bool
}

type Dispatcher struct {
	deps   Deps
	cfg    Config
	client *http.Client
	owner  string
	logger *zap.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Dispatcher {
	host, _ := os.Hostname()
	return &Dispatcher{
		deps:   deps,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		owner:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Attempt makes one delivery attempt for a hook log. Once the log is claimed
// the attempt runs to completion regardless of ctx, bounded by the HTTP
// timeout, so the outcome is always recorded.
func (d *Dispatcher) Attempt(ctx context.Context, logID uuid.UUID) (*Outcome, error) {
	owner := d.owner + "/" + uuid.NewString()

	log, err := d.deps.Logs.Claim(ctx, logID, owner, d.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, ledger.ErrNotClaimable) {
			d.logger.Debug("Hook log not claimable, skipping",
				zap.String("log_id", logID.String()),
			)
			return &Outcome{LogID: logID, Skipped: true}, nil
		}
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	hook, err := d.deps.Registry.Get(ctx, log.HookID)
	switch {
	case errors.Is(err, registry.ErrHookNotFound):
		return d.abandon(ctx, log, owner, nil, MessageDestinationDisabled)
	case err != nil:
		return nil, fmt.Errorf("failed to load hook for log %s: %w", log.ID, err)
	case !hook.Active:
		return d.abandon(ctx, log, owner, hook, MessageDestinationDisabled)
	}

	sub, err := d.deps.Submissions.Get(ctx, log.SubmissionUUID)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			return d.abandon(ctx, log, owner, hook, MessageSubmissionNotFound)
		}
		return nil, fmt.Errorf("failed to load submission for log %s: %w", log.ID, err)
	}

	p, err := payload.Build(sub.Fields, *hook)
	if err != nil {
		return d.abandon(ctx, log, owner, hook, err.Error())
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout)
	result := d.deliver(attemptCtx, *hook, *log, p)
	cancel()

	maxRetries := d.deps.Settings.Int(ctx, dynconfig.KeyMaxRetries, d.cfg.DefaultMaxRetries)
	now := d.now()

	updated, err := d.deps.Logs.Finalize(ctx, log.ID, owner, func(l *models.HookLog) {
		l.Tries++
		dec := classify(result, l.Tries, maxRetries, now)
		l.Status = dec.Status
		l.Message = truncate(dec.Message, d.cfg.MaxMessageSize)
		l.StatusCode = result.StatusCode
		l.NextAttemptAt = nil
		if dec.Status == models.StatusRetrying {
			at := now.Add(d.deps.Backoff.Next(l.Tries, dec.RetryAfter))
			l.NextAttemptAt = &at
		}
	})
	if err != nil {
		return d.leaseLost(log, err)
	}

	fields := []zap.Field{
		zap.String("log_id", updated.ID.String()),
		zap.String("hook_id", hook.ID.String()),
		zap.String("submission_uuid", updated.SubmissionUUID),
		zap.Int("tries", updated.Tries),
		zap.Int("max_retries", maxRetries),
		zap.Duration("latency", result.Latency),
	}
	if result.StatusCode != nil {
		fields = append(fields, zap.Int("http_status", *result.StatusCode))
	}

	switch updated.Status {
	case models.StatusSuccess:
		d.logger.Info("Webhook delivery succeeded", fields...)
	case models.StatusRetrying:
		d.logger.Info("Webhook delivery will be retried",
			append(fields, zap.Timep("next_attempt_at", updated.NextAttemptAt), zap.String("last_error", updated.Message))...)
	case models.StatusFailed:
		d.logger.Warn("Webhook delivery failed",
			append(fields, zap.String("last_error", updated.Message))...)
		d.notify(ctx, updated, hook)
	}

	return outcomeOf(updated), nil
}

// abandon moves a claimed log straight to FAILED without counting an attempt
func (d *Dispatcher) abandon(ctx context.Context, log *models.HookLog, owner string, hook *models.Hook, reason string) (*Outcome, error) {
	updated, err := d.deps.Logs.Finalize(ctx, log.ID, owner, func(l *models.HookLog) {
		l.Status = models.StatusFailed
		l.Message = truncate(reason, d.cfg.MaxMessageSize)
		l.NextAttemptAt = nil
	})
	if err != nil {
		return d.leaseLost(log, err)
	}

	d.logger.Warn("Webhook delivery abandoned",
		zap.String("log_id", updated.ID.String()),
		zap.String("hook_id", updated.HookID.String()),
		zap.String("reason", reason),
	)
	if hook != nil {
		d.notify(ctx, updated, hook)
	}
	return outcomeOf(updated), nil
}

func (d *Dispatcher) leaseLost(log *models.HookLog, err error) (*Outcome, error) {
	if errors.Is(err, ledger.ErrLeaseLost) {
		d.logger.Warn("Lease lost before the outcome was recorded",
			zap.String("log_id", log.ID.String()),
		)
		return &Outcome{LogID: log.ID, HookID: log.HookID, Skipped: true}, nil
	}
	return nil, err
}

// notify runs only for the caller whose Finalize moved the log into FAILED
func (d *Dispatcher) notify(ctx context.Context, log *models.HookLog, hook *models.Hook) {
	if !hook.EmailNotification {
		return
	}

	form, err := d.deps.Registry.Form(ctx, hook.FormID)
	if err != nil {
		d.logger.Warn("Failed to load form for failure notification",
			zap.String("form_id", hook.FormID),
			zap.Error(err),
		)
		form = nil
	}

	d.deps.Notifier.NotifyTerminalFailure(ctx, notifier.Failure{Log: *log, Hook: *hook, Form: form})
}

func outcomeOf(log *models.HookLog) *Outcome {
	return &Outcome{
		LogID:         log.ID,
		HookID:        log.HookID,
		Status:        log.Status,
		Tries:         log.Tries,
		StatusCode:    log.StatusCode,
		NextAttemptAt: log.NextAttemptAt,
	}
}
