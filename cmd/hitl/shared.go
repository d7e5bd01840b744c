package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/config"
	"github.com/yencolon/human-in-the-loop-chat/internal/escalation"
	"github.com/yencolon/human-in-the-loop-chat/internal/notification"
	"github.com/yencolon/human-in-the-loop-chat/internal/observability"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
	slackapi "github.com/yencolon/human-in-the-loop-chat/internal/slack"
	"github.com/yencolon/human-in-the-loop-chat/internal/storage"
	pgstore "github.com/yencolon/human-in-the-loop-chat/internal/storage/postgres"
	sqlitestore "github.com/yencolon/human-in-the-loop-chat/internal/storage/sqlite"
)

// hookRegistry is a registry the sweeper can maintain.
type hookRegistry interface {
	approval.Registry
	approval.Maintainer
}

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store // nil for the memory driver.

	Registry     approval.Registry // Instrumented when observability is on.
	Events       *runlog.Log
	Dispatcher   *notification.Dispatcher
	Orchestrator *escalation.Orchestrator

	hooks    hookRegistry
	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Durable reports whether hooks outlive this process.
func (sc *SharedComponents) Durable() bool {
	return sc.Store != nil
}

// initShared performs the initialization shared by all commands.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	if err := cfg.ValidateSlack(); err != nil {
		return nil, fmt.Errorf("invalid slack config: %w", err)
	}

	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(ctx, cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage and hook registry.
	var eventStore runlog.Store
	if cfg.StorageDriverName() == "memory" {
		sc.hooks = approval.NewMemoryRegistry(logger)
		eventStore = runlog.NewMemoryStore()
		logger.Warn("memory storage selected: pending approvals are lost on restart")
	} else {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(ctx); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		sc.hooks = approval.NewStoreRegistry(store.Hooks(), cfg.Approval.PollInterval(), logger)
		eventStore = store.RunEvents()

		if health := obs.HealthOrNil(); health != nil && includeDBHealth(cfg) {
			health.AddCheck("database", store.Ping)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	sc.Registry = sc.hooks
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil) {
		sc.Registry = observability.NewInstrumentedRegistry(sc.hooks, obs.Metrics, obs.Tracer)
	}
	sc.Events = runlog.NewLog(eventStore, cfg.Approval.PollInterval(), logger)

	// Slack.
	var api notification.SlackAPI = slackapi.NewClient(slackapi.ClientConfig{
		BotToken:                 cfg.Slack.BotToken,
		BaseURL:                  cfg.Slack.APIBaseURL,
		Timeout:                  cfg.Slack.Timeout(),
		ResponseURLHosts:         cfg.Slack.ResponseURLHosts,
		AllowInsecureResponseURL: cfg.Slack.AllowInsecureResponseURL,
	}, logger)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil) {
		api = observability.NewInstrumentedSlackAPI(api, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	sc.Dispatcher = notification.NewDispatcher(api, notification.Config{
		TargetUserID: cfg.Slack.TargetUserID,
		Channel:      cfg.Slack.Channel,
	}, logger)

	// Orchestrator.
	var promReg *prometheus.Registry
	if m := obs.MetricsOrNil(); m != nil {
		promReg = m.Registry
	}
	sc.Orchestrator = escalation.New(
		sc.Registry,
		sc.Dispatcher,
		sc.Events,
		escalation.Config{Timeout: cfg.Approval.DecisionTimeout()},
		escalation.NewMetrics(promReg),
		logger,
	)

	return sc, nil
}

// StartSweeper schedules hook expiry and purging. The returned func stops it.
func (sc *SharedComponents) StartSweeper(ctx context.Context) (func(), error) {
	sweeper := approval.NewSweeper(sc.hooks, sc.Dispatcher, approval.SweeperConfig{
		Schedule:  sc.Config.Approval.Schedule(),
		Retention: sc.Config.Approval.Retention(),
	}, sc.Logger)
	return sweeper.Start(ctx)
}

func includeDBHealth(cfg *config.Config) bool {
	o := cfg.Observability
	return o != nil && o.Health != nil && o.Health.IncludeDB
}

// initStore creates the configured durable storage backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("creating data directory for %s: %w", dbPath, err)
	}

	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}
