// Package specfold parses engine daemon configuration and wires the engine:
// journal, bus, aggregate runtime, validation pipeline, and saga orchestrator.
package specfold

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/specfold/specfold/internal/archetype"
	"github.com/specfold/specfold/internal/behavior"
	"github.com/specfold/specfold/internal/engine/aggregate"
	"github.com/specfold/specfold/internal/engine/bus"
	"github.com/specfold/specfold/internal/engine/command"
	"github.com/specfold/specfold/internal/engine/event"
	"github.com/specfold/specfold/internal/engine/journal"
	"github.com/specfold/specfold/internal/engine/journal/postgres"
	"github.com/specfold/specfold/internal/engine/journal/sqlite"
	entrypoint "github.com/specfold/specfold/internal/platform/cmd"
	"github.com/specfold/specfold/internal/platform/logging"
	"github.com/specfold/specfold/internal/rules"
	"github.com/specfold/specfold/internal/saga"
	"github.com/specfold/specfold/internal/solver"
	"github.com/specfold/specfold/internal/validation"
	"github.com/specfold/specfold/internal/workpool"
)

// Storage driver names accepted by SPECFOLD_STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds engine daemon configuration.
type Config struct {
	LogLevel      string `env:"SPECFOLD_LOG_LEVEL" envDefault:"info"`
	StorageDriver string `env:"SPECFOLD_STORAGE_DRIVER" envDefault:"memory"`
	SQLitePath    string `env:"SPECFOLD_SQLITE_PATH" envDefault:"specfold.db"`
	PostgresDSN   string `env:"SPECFOLD_POSTGRES_DSN"`
	MetricsAddr   string `env:"SPECFOLD_METRICS_ADDR" envDefault:":9102"`
	// TriggerPattern selects the integration events that start a validation
	// run, e.g. "specification.*". Every event matching the pattern triggers
	// one run per delivery.
	TriggerPattern string `env:"SPECFOLD_VALIDATION_TRIGGER_PATTERN" envDefault:"*"`
	PoolSize       int    `env:"SPECFOLD_POOL_SIZE" envDefault:"4"`
	StageTimeoutMS int    `env:"SPECFOLD_STAGE_TIMEOUT_MS" envDefault:"5000"`
	SolverBudgetMS int    `env:"SPECFOLD_SOLVER_BUDGET_MS" envDefault:"200"`
	SolverMaxSteps int    `env:"SPECFOLD_SOLVER_MAX_STEPS" envDefault:"100000"`
	SagaMaxRetries uint64 `env:"SPECFOLD_SAGA_MAX_RETRIES" envDefault:"3"`
	BusMaxAttempts int    `env:"SPECFOLD_BUS_MAX_ATTEMPTS" envDefault:"3"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.StorageDriver, "storage-driver", cfg.StorageDriver, "Storage driver: memory, sqlite, or postgres")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database path")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")
	fs.StringVar(&cfg.TriggerPattern, "trigger-pattern", cfg.TriggerPattern, "Event type pattern that starts validation runs")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Engine bundles the wired components of one daemon instance.
type Engine struct {
	Runtime      *aggregate.Runtime
	Pipeline     *validation.Pipeline
	Trigger      *validation.Trigger
	Orchestrator *saga.Orchestrator
	Bus          *bus.Bus
	Rules        *rules.Repository
	Archetypes   archetype.Store
	Logger       zerolog.Logger

	closers []func() error
}

// Close releases the engine's storage handles.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, closer := range e.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build wires an engine from configuration. The caller registers command
// deciders, fold functions, archetypes, rules, and saga definitions on the
// returned components before serving traffic.
func Build(ctx context.Context, cfg Config, logger zerolog.Logger) (*Engine, error) {
	stores, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	budget := solver.Budget{
		MaxSteps: cfg.SolverMaxSteps,
		Timeout:  time.Duration(cfg.SolverBudgetMS) * time.Millisecond,
	}
	checker := solver.New(budget)
	verifier := behavior.NewVerifier(checker)
	ruleRepo := rules.NewRepository()
	ruleEngine := rules.NewEngine(ruleRepo)
	archetypes := archetype.NewMemory()
	pool := workpool.New(cfg.PoolSize, time.Duration(cfg.StageTimeoutMS)*time.Millisecond)

	eventBus := bus.New(logger, cfg.BusMaxAttempts)

	runtime := &aggregate.Runtime{
		Commands:    command.NewRegistry(),
		Events:      event.NewRegistry(),
		Store:       stores.events,
		Idempotency: stores.idempotency,
		Folder:      aggregate.NewFolder(),
		Bus:         eventBus,
		Logger:      logger,
	}

	pipeline := &validation.Pipeline{
		Archetypes: archetypes,
		Runs:       stores.runs,
		Stages:     validation.DefaultStages(ruleEngine, checker, verifier, nil),
		Pool:       pool,
		Logger:     logger,
	}

	trigger := &validation.Trigger{
		Loader:   runtime,
		Pipeline: pipeline,
		Logger:   logger,
	}
	if err := eventBus.Subscribe("validation-trigger", cfg.TriggerPattern, trigger.HandleEvent); err != nil {
		_ = stores.close()
		return nil, fmt.Errorf("subscribe validation trigger: %w", err)
	}

	orchestrator := &saga.Orchestrator{
		Store:            stores.sagas,
		Logger:           logger,
		MaxActionRetries: cfg.SagaMaxRetries,
	}
	if err := eventBus.Subscribe("saga-orchestrator", "*", orchestrator.HandleEvent); err != nil {
		_ = stores.close()
		return nil, fmt.Errorf("subscribe orchestrator: %w", err)
	}

	return &Engine{
		Runtime:      runtime,
		Pipeline:     pipeline,
		Trigger:      trigger,
		Orchestrator: orchestrator,
		Bus:          eventBus,
		Rules:        ruleRepo,
		Archetypes:   archetypes,
		Logger:       logger,
		closers:      stores.closers,
	}, nil
}

type engineStores struct {
	events      journal.EventStore
	idempotency journal.IdempotencyStore
	runs        validation.RunStore
	sagas       saga.Store
	closers     []func() error
}

func (s engineStores) close() error {
	var errs []error
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg Config) (engineStores, error) {
	switch cfg.StorageDriver {
	case DriverMemory:
		mem := journal.NewMemory()
		return engineStores{
			events:      mem,
			idempotency: mem,
			runs:        validation.NewMemoryRunStore(),
			sagas:       saga.NewMemoryStore(),
		}, nil
	case DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return engineStores{}, fmt.Errorf("open sqlite storage: %w", err)
		}
		return engineStores{
			events:      store,
			idempotency: store,
			runs:        store.Runs(),
			sagas:       store.Sagas(),
			closers:     []func() error{store.Close},
		}, nil
	case DriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return engineStores{}, fmt.Errorf("open postgres storage: %w", err)
		}
		return engineStores{
			events:      store,
			idempotency: store,
			runs:        store.Runs(),
			sagas:       store.Sagas(),
			closers:     []func() error{store.Close},
		}, nil
	default:
		return engineStores{}, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// Run starts the engine daemon: it wires components from configuration,
// resumes unfinished sagas, serves Prometheus metrics, and blocks until the
// context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEngine, func(ctx context.Context) error {
		logger := logging.New(entrypoint.ServiceEngine, cfg.LogLevel)

		engine, err := Build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := engine.Close(); err != nil {
				logger.Error().Err(err).Msg("close storage")
			}
		}()

		if err := engine.Orchestrator.Resume(ctx); err != nil {
			return fmt.Errorf("resume sagas: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		logger.Info().
			Str("storage_driver", cfg.StorageDriver).
			Str("metrics_addr", cfg.MetricsAddr).
			Msg("engine daemon started")

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		return group.Wait()
	})
}
