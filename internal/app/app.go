// Package app assembles stores, sinks and engines from the environment. The
// gatekeeper service and gatekeeperctl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/animus-labs/animus-gatekeeper/internal/decision"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/auditlog"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/env"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/httpserver"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/postgres"
	"github.com/animus-labs/animus-gatekeeper/internal/policy"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
	"github.com/animus-labs/animus-gatekeeper/internal/repo/badgerstore"
	"github.com/animus-labs/animus-gatekeeper/internal/repo/mlflow"
	repopg "github.com/animus-labs/animus-gatekeeper/internal/repo/postgres"
)

const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMLflow   = "mlflow"
)

const checkTimeout = 750 * time.Millisecond

type Config struct {
	RegistryBackend string
	RunsBackend     string
	PolicyPath      string
	Epsilon         float64
	ArchiveEnabled  bool
	MigrateOnStart  bool
}

func ConfigFromEnv() (Config, error) {
	epsilon, err := env.Float("GATEKEEPER_EPSILON", policy.DefaultEpsilon)
	if err != nil {
		return Config{}, err
	}
	archive, err := env.Bool("GATEKEEPER_ARCHIVE_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	migrate, err := env.Bool("GATEKEEPER_MIGRATE_ON_START", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		RegistryBackend: strings.ToLower(strings.TrimSpace(env.String("GATEKEEPER_REGISTRY_BACKEND", BackendPostgres))),
		RunsBackend:     strings.ToLower(strings.TrimSpace(env.String("GATEKEEPER_RUNS_BACKEND", BackendPostgres))),
		PolicyPath:      strings.TrimSpace(env.String("GATEKEEPER_POLICY_PATH", "policy.yaml")),
		Epsilon:         epsilon,
		ArchiveEnabled:  archive,
		MigrateOnStart:  migrate,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.RegistryBackend {
	case BackendPostgres, BackendBadger:
	default:
		return fmt.Errorf("GATEKEEPER_REGISTRY_BACKEND must be postgres or badger, got %q", c.RegistryBackend)
	}
	switch c.RunsBackend {
	case BackendPostgres, BackendMLflow:
	default:
		return fmt.Errorf("GATEKEEPER_RUNS_BACKEND must be postgres or mlflow, got %q", c.RunsBackend)
	}
	if c.Epsilon < 0 {
		return errors.New("GATEKEEPER_EPSILON must be >= 0")
	}
	return nil
}

func (c Config) needsPostgres() bool {
	return c.RegistryBackend == BackendPostgres || c.RunsBackend == BackendPostgres
}

func LoadPolicy(path string, epsilon float64) (*policy.Policy, error) {
	spec, err := policy.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.New(spec, epsilon)
}

// Backends holds the opened stores. Pool and Badger are nil unless a backend
// uses them.
type Backends struct {
	Runs     repo.RunMetricStore
	Registry repo.Registry
	Verdicts repo.VerdictStore
	Pool     *pgxpool.Pool
	Badger   *badgerstore.Store
	Checks   []httpserver.ReadinessCheck

	logger  *slog.Logger
	closers []func() error
}

func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backends, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backends{logger: logger}

	if cfg.needsPostgres() {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("database config: %w", err)
		}
		pool, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		b.Pool = pool
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		if cfg.MigrateOnStart {
			if err := repopg.Migrate(ctx, pool); err != nil {
				b.Close()
				return nil, err
			}
		}
		b.addCheck("postgres", pool.Ping)
	}

	switch cfg.RegistryBackend {
	case BackendPostgres:
		b.Registry = repopg.NewRegistry(b.Pool)
		b.Verdicts = repopg.NewVerdictStore(b.Pool)
	case BackendBadger:
		badgerCfg, err := badgerstore.ConfigFromEnv()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("badger config: %w", err)
		}
		badgerCfg.Logger = logger
		store, err := badgerstore.Open(badgerCfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Badger = store
		b.Registry = store
		b.Verdicts = store
		b.closers = append(b.closers, store.Close)
		b.addCheck("badger", store.Ping)
	}

	switch cfg.RunsBackend {
	case BackendPostgres:
		b.Runs = repopg.NewRunStore(b.Pool)
	case BackendMLflow:
		mlCfg, err := mlflow.ConfigFromEnv()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mlflow config: %w", err)
		}
		client, err := mlflow.New(mlCfg, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Runs = client
		b.addCheck("mlflow", client.Ping)
	}
	return b, nil
}

func (b *Backends) addCheck(name string, check func(context.Context) error) {
	b.Checks = append(b.Checks, httpserver.ReadinessCheck{
		Name: name,
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			return check(checkCtx)
		},
	})
}

// Close releases backends in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Audit writes to the Postgres audit log when one is configured and falls
// back to a structured log line otherwise.
func (b *Backends) Audit(ctx context.Context, event auditlog.Event) error {
	if b.Pool != nil {
		auditCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		_, err := auditlog.Insert(auditCtx, b.Pool, event)
		return err
	}
	if b.logger != nil {
		b.logger.Warn("audit event",
			"action", event.Action,
			"actor", event.Actor,
			"resource_type", event.ResourceType,
			"resource_id", event.ResourceID,
			"request_id", event.RequestID,
			"payload", event.Payload,
		)
	}
	return nil
}

type Engines struct {
	Gatekeeper *decision.Gatekeeper
	Rollback   *decision.RollbackEngine
}

func NewEngines(b *Backends, pol *policy.Policy, sink decision.Sink, logger *slog.Logger) (Engines, error) {
	gk, err := decision.NewGatekeeper(decision.GatekeeperConfig{
		Runs:     b.Runs,
		Registry: b.Registry,
		Policy:   pol,
		Sink:     sink,
		Logger:   logger,
	})
	if err != nil {
		return Engines{}, err
	}
	rb, err := decision.NewRollbackEngine(decision.RollbackConfig{
		Registry: b.Registry,
		Sink:     sink,
		Logger:   logger,
	})
	if err != nil {
		return Engines{}, err
	}
	return Engines{Gatekeeper: gk, Rollback: rb}, nil
}
