package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/marminbh/hook-svc/internal/backoff"
	"github.com/marminbh/hook-svc/internal/config"
	"github.com/marminbh/hook-svc/internal/database"
	"github.com/marminbh/hook-svc/internal/dispatcher"
	"github.com/marminbh/hook-svc/internal/dynconfig"
	"github.com/marminbh/hook-svc/internal/intake"
	"github.com/marminbh/hook-svc/internal/ledger"
	"github.com/marminbh/hook-svc/internal/notifier"
	"github.com/marminbh/hook-svc/internal/rabbitmq"
	"github.com/marminbh/hook-svc/internal/redisclient"
	"github.com/marminbh/hook-svc/internal/registry"
	"github.com/marminbh/hook-svc/internal/scheduler"
	"github.com/marminbh/hook-svc/internal/submission"
)

// Service holds all application dependencies
type Service struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *zap.Logger
	RMQ    *rabbitmq.Connection
	// Redis is nil when REDIS_URL is unset
	Redis *redis.Client

	Registry    *registry.Registry
	Logs        *ledger.Store
	Submissions *submission.Store
	Dispatcher  *dispatcher.Dispatcher
	Scheduler   *scheduler.Scheduler
	Intake      *intake.Service
	Consumer    *intake.Consumer

	notifier notifier.Notifier
}

// New connects to every backing service and wires the components. The
// connections opened so far are closed when a later step fails.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (svc *Service, err error) {
	s := &Service{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			s.closeConnections()
		}
	}()

	s.DB, err = database.Connect(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(&cfg.Database, logger); err != nil {
		return nil, err
	}

	var (
		queue    scheduler.Queue
		settings dynconfig.Reader
	)
	if cfg.Redis.URL != "" {
		s.Redis, err = redisclient.Connect(cfg.Redis.URL, logger)
		if err != nil {
			return nil, err
		}
		queue = scheduler.NewRedisQueue(s.Redis, cfg.Redis.KeyPrefix)
		settings = dynconfig.NewRedisReader(s.Redis, cfg.Redis.KeyPrefix, logger)
	} else {
		logger.Warn("REDIS_URL not set, using in-memory retry queue and static settings")
		queue = scheduler.NewMemoryQueue()
		settings = dynconfig.NewStaticReader(map[string]int{
			dynconfig.KeyMaxRetries: cfg.Worker.DefaultMaxRetries,
		})
	}

	s.RMQ = rabbitmq.NewConnection(&cfg.RabbitMQ, logger)
	if err := s.RMQ.Connect(ctx); err != nil {
		return nil, err
	}

	if cfg.Mail.Enabled {
		s.notifier = notifier.NewMailNotifier(notifier.NewSMTPSender(cfg.Mail), logger)
	} else {
		s.notifier = notifier.NewLogNotifier(logger)
	}

	s.Registry = registry.New(s.DB, registry.NewGormFormLookup(s.DB))
	s.Logs = ledger.NewStore(s.DB)
	s.Submissions = submission.NewStore(s.DB)

	s.Dispatcher = dispatcher.New(dispatcher.Deps{
		Registry:    s.Registry,
		Logs:        s.Logs,
		Submissions: s.Submissions,
		Settings:    settings,
		Notifier:    s.notifier,
		Backoff:     backoff.New(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffMax),
	}, dispatcher.ConfigFrom(cfg.Worker), logger)

	s.Scheduler = scheduler.New(queue, s.Dispatcher, s.Logs, scheduler.ConfigFrom(cfg.Worker, cfg.Scheduler), logger)
	s.Intake = intake.NewService(s.Registry, s.Logs, s.Submissions, s.Scheduler, logger)
	s.Consumer = intake.NewConsumer(cfg.Intake, s.RMQ, s.Intake, logger)

	return s, nil
}

// Start runs the scheduler and then begins consuming intake events
func (s *Service) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := s.Consumer.Start(); err != nil {
		return fmt.Errorf("failed to start intake consumer: %w", err)
	}
	return nil
}

// Shutdown stops intake first so no new work arrives, lets in-flight attempts
// and notifications finish, then closes the connections
func (s *Service) Shutdown() {
	if s.Consumer != nil {
		if err := s.Consumer.Stop(); err != nil {
			s.Logger.Error("Error stopping intake consumer", zap.Error(err))
		}
	}
	if s.Scheduler != nil {
		if err := s.Scheduler.Stop(); err != nil {
			s.Logger.Error("Error stopping scheduler", zap.Error(err))
		}
	}
	if mail, ok := s.notifier.(*notifier.MailNotifier); ok {
		mail.Close()
	}
	s.closeConnections()
}

func (s *Service) closeConnections() {
	if s.RMQ != nil {
		s.RMQ.Close()
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.Logger.Error("Error closing Redis", zap.Error(err))
		}
	}
	if err := database.Close(s.DB, s.Logger); err != nil {
		s.Logger.Error("Error closing database", zap.Error(err))
	}
}
