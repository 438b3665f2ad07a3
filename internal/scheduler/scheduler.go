// Package scheduler runs delivery attempts on a pool of workers and re-queues
// logs that need another attempt.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marminbh/hook-svc/internal/config"
	"github.com/marminbh/hook-svc/internal/dispatcher"
	"github.com/marminbh/hook-svc/internal/models"
)

// Attempter performs one delivery attempt
type Attempter interface {
	Attempt(ctx context.Context, logID uuid.UUID) (*dispatcher.Outcome, error)
}

// Recoverer lists logs that may have dropped out of the queue
type Recoverer interface {
	Recoverable(ctx context.Context, grace time.Duration, limit int) ([]models.HookLog, error)
}

type Config struct {
	Workers       int
	PollInterval  time.Duration
	SweepSchedule string
	CreatedGrace  time.Duration
	SweepBatch    int
	// ErrorDelay is how long a log waits after an infrastructure error
	ErrorDelay time.Duration
}

func ConfigFrom(worker config.WorkerConfig, sched config.SchedulerConfig) Config {
	return Config{
		Workers:       worker.Count,
		PollInterval:  sched.PollInterval,
		SweepSchedule: sched.SweepSchedule,
		CreatedGrace:  sched.CreatedGrace,
		SweepBatch:    500,
		ErrorDelay:    worker.LeaseTTL,
	}
}

type Scheduler struct {
	queue     Queue
	attempter Attempter
	recoverer Recoverer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	wake chan struct{}
	jobs chan Item
	cron *cron.Cron

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

func New(queue Queue, attempter Attempter, recoverer Recoverer, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = time.Minute
	}
	return &Scheduler{
		queue:     queue,
		attempter: attempter,
		recoverer: recoverer,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		wake:      make(chan struct{}, 1),
		jobs:      make(chan Item),
		cron:      cron.New(),
	}
}

// Start recovers anything left over from a previous run and starts the poller,
// the workers and the periodic sweep
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)

	if s.cfg.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() { s.Sweep(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.SweepSchedule, err)
		}
	}

	s.Sweep(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.poll(gctx) })
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error { return s.work(gctx) })
	}
	s.cron.Start()

	s.cancel = cancel
	s.group = g
	s.started = true

	s.logger.Info("Scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.String("sweep_schedule", s.cfg.SweepSchedule),
	)
	return nil
}

// Stop stops taking work and waits for in-flight attempts to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	cancel()
	<-s.cron.Stop().Done()
	err := group.Wait()
	s.logger.Info("Scheduler stopped")
	return err
}

// Enqueue schedules an attempt for a log
func (s *Scheduler) Enqueue(ctx context.Context, item Item) error {
	if err := s.queue.Push(ctx, item); err != nil {
		return err
	}
	if !item.NotBefore.After(s.now()) {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// CancelHook drops the queued attempts of a hook. Logs already handed to a
// worker still run; the dispatcher re-checks the hook before posting.
func (s *Scheduler) CancelHook(ctx context.Context, hookID uuid.UUID) (int, error) {
	removed, err := s.queue.RemoveHook(ctx, hookID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Cancelled queued attempts for hook",
		zap.String("hook_id", hookID.String()),
		zap.Int("removed", removed),
	)
	return removed, nil
}

// Sweep re-queues logs that were created but never queued, retries that are
// overdue and attempts whose lease expired
func (s *Scheduler) Sweep(ctx context.Context) {
	logs, err := s.recoverer.Recoverable(ctx, s.cfg.CreatedGrace, s.cfg.SweepBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Recovery sweep failed", zap.Error(err))
		}
		return
	}
	if len(logs) == 0 {
		return
	}

	now := s.now()
	queued := 0
	for _, log := range logs {
		at := now
		if log.Status == models.StatusRetrying && log.NextAttemptAt != nil && log.NextAttemptAt.After(now) {
			at = *log.NextAttemptAt
		}
		if err := s.Enqueue(ctx, Item{LogID: log.ID, HookID: log.HookID, NotBefore: at}); err != nil {
			s.logger.Error("Failed to re-queue hook log",
				zap.String("log_id", log.ID.String()),
				zap.Error(err),
			)
			continue
		}
		queued++
	}

	s.logger.Info("Recovery sweep re-queued hook logs", zap.Int("count", queued))
}

func (s *Scheduler) poll(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.drain(ctx); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// drain hands every due item to a worker. It returns ctx.Err() once the
// context is done, putting back the item it was holding.
func (s *Scheduler) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item, err := s.queue.PopDue(ctx, s.now())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("Failed to read retry queue", zap.Error(err))
			return nil
		}
		if item == nil {
			return nil
		}

		select {
		case s.jobs <- *item:
		case <-ctx.Done():
			s.requeue(*item, item.NotBefore)
			return ctx.Err()
		}
	}
}

func (s *Scheduler) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-s.jobs:
			s.handle(context.WithoutCancel(ctx), item)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, item Item) {
	out, err := s.attempter.Attempt(ctx, item.LogID)
	if err != nil {
		s.logger.Error("Delivery attempt failed, will retry",
			zap.String("log_id", item.LogID.String()),
			zap.Duration("delay", s.cfg.ErrorDelay),
			zap.Error(err),
		)
		s.requeue(item, s.now().Add(s.cfg.ErrorDelay))
		return
	}

	if out.Skipped || out.Status != models.StatusRetrying {
		return
	}

	at := s.now()
	if out.NextAttemptAt != nil {
		at = *out.NextAttemptAt
	}
	s.requeue(Item{LogID: out.LogID, HookID: out.HookID, NotBefore: at}, at)
}

func (s *Scheduler) requeue(item Item, at time.Time) {
	item.NotBefore = at
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.queue.Push(ctx, item); err != nil {
		// the recovery sweep picks the log up again
		s.logger.Error("Failed to re-queue hook log",
			zap.String("log_id", item.LogID.String()),
			zap.Error(err),
		)
	}
}
