// Package app wires storage, event delivery and the domain services shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"horizon-workflow/internal/api"
	"horizon-workflow/internal/catalog"
	"horizon-workflow/internal/config"
	"horizon-workflow/internal/dashboard"
	"horizon-workflow/internal/events"
	"horizon-workflow/internal/ledger"
	"horizon-workflow/internal/memstore"
	"horizon-workflow/internal/models"
	"horizon-workflow/internal/planning"
	"horizon-workflow/internal/queue"
	"horizon-workflow/internal/ratelimit"
	"horizon-workflow/internal/store"
	"horizon-workflow/internal/worker"
	"horizon-workflow/internal/workflow"
)

// Backend is everything the services need from storage. Both the Postgres store and the
// in-memory store satisfy it.
type Backend interface {
	workflow.Repository
	planning.Repository
	ledger.Repository
	catalog.Repository
	dashboard.Source
	events.Outbox
}

// Services holds one wired instance of every domain service.
type Services struct {
	Config     config.Config
	Logger     *slog.Logger
	Backend    Backend
	Postgres   *store.Store
	Redis      *redis.Client
	Queue      *queue.RedisQueue
	Dispatcher *events.Dispatcher
	Catalog    *catalog.Catalog
	Engine     *workflow.Engine
	Planning   *planning.Service
	Ledger     *ledger.Ledger
	Dashboard  *dashboard.Service

	closers []func()
}

// Build connects storage, Redis and the configured event sink and wires the services. The
// Postgres schema is migrated on the way. Call Close when done.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{Config: cfg, Logger: logger}

	switch cfg.StorageBackend {
	case config.StorageMemory:
		logger.Warn("using in-memory storage; state is lost on exit")
		s.Backend = memstore.New()
	default:
		st, err := store.New(ctx, cfg.PostgresDSN, cfg.LockTimeout)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st.Close)
		if err := st.RunMigrations(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		s.Postgres = st
		s.Backend = st
	}

	s.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	s.closers = append(s.closers, func() { _ = s.Redis.Close() })

	publisher, err := s.publisher(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Queue = queue.NewRedisQueue(s.Redis, cfg.VisibilityTimeout, cfg.DLQName)
	s.wire(publisher)
	return s, nil
}

// NewWithBackend wires the services over an existing backend and Redis client. Tests and the
// admin CLI use it.
func NewWithBackend(cfg config.Config, logger *slog.Logger, backend Backend, client *redis.Client, publisher events.Publisher) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{Config: cfg, Logger: logger, Backend: backend, Redis: client}
	if client != nil {
		s.Queue = queue.NewRedisQueue(client, cfg.VisibilityTimeout, cfg.DLQName)
	}
	s.wire(publisher)
	return s
}

func (s *Services) wire(publisher events.Publisher) {
	var tasks events.TaskQueue
	if s.Queue != nil {
		tasks = s.Queue
	}
	s.Dispatcher = events.NewDispatcher(s.Backend, publisher, tasks, s.Logger.With("component", "events"))
	s.Catalog = catalog.New(s.Backend, s.Logger.With("component", "catalog"))
	s.Engine = workflow.New(s.Backend, s.Catalog, s.Dispatcher, s.Logger.With("component", "workflow"), s.Config.StepLease)
	s.Planning = planning.New(s.Backend, s.Dispatcher, s.Logger.With("component", "planning"), s.Config.IsElevated)
	s.Engine.SetCuttingGate(s.Planning)
	s.Ledger = ledger.New(s.Backend, s.Dispatcher, s.Logger.With("component", "ledger"))
	s.Dashboard = dashboard.New(s.Backend, s.Engine, s.Config.SLAFor, s.Logger.With("component", "dashboard"))
}

func (s *Services) publisher(cfg config.Config) (events.Publisher, error) {
	switch cfg.EventSink {
	case config.SinkNATS:
		conn, err := nats.Connect(cfg.NATSURL,
			nats.Name("horizon-workflow"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		s.closers = append(s.closers, conn.Close)
		s.Logger.Info("publishing events to nats", "url", cfg.NATSURL)
		return events.NewNATSPublisher(conn), nil
	case config.SinkNone:
		return events.NopPublisher{}, nil
	default:
		return events.NewRedisPublisher(s.Redis, cfg.EventStreamMaxLen), nil
	}
}

// Server builds the HTTP API with the Redis token bucket on mutating routes.
func (s *Services) Server() *api.Server {
	var limiter *ratelimit.TokenBucket
	if s.Redis != nil && s.Config.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(s.Redis, s.Config.RateLimitCapacity, s.Config.RateLimitRefill, time.Hour)
	}
	return api.New(api.Deps{
		Engine:    s.Engine,
		Planning:  s.Planning,
		Ledger:    s.Ledger,
		Catalog:   s.Catalog,
		Dashboard: s.Dashboard,
		Limiter:   limiter,
		Logger:    s.Logger.With("component", "api"),
	})
}

// Processor builds a task processor with every domain handler registered.
func (s *Services) Processor(workerID string) *worker.Processor {
	p := worker.NewProcessorWithID(s.Config, s.Queue, s.Logger.With("component", "worker"), workerID)
	p.RegisterHandler(models.EventPlanningApplied, worker.PlanningApplied(s.Planning, s.Logger.With("component", "worker")))
	return p
}

// Sweeper builds the outbox and stalled-step sweeper.
func (s *Services) Sweeper() *worker.Sweeper {
	return worker.NewSweeper(s.Dispatcher, s.Engine, s.Config.SweepInterval, s.Logger.With("component", "sweeper"))
}

// Close releases connections in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
