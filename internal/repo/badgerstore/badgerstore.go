// Package badgerstore is an embedded Registry and VerdictStore for single-node
// deployments. Transitions run in Badger's optimistic transactions, so a
// concurrent write to the same model surfaces as ErrConcurrentModification.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/animus-labs/animus-gatekeeper/internal/platform/env"
)

type Config struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *slog.Logger
}

func ConfigFromEnv() (Config, error) {
	gcInterval, err := env.Duration("GATEKEEPER_BADGER_GC_INTERVAL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	ratio, err := env.Float("GATEKEEPER_BADGER_GC_DISCARD_RATIO", 0.5)
	if err != nil {
		return Config{}, err
	}
	syncWrites, err := env.Bool("GATEKEEPER_BADGER_SYNC_WRITES", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Path:           env.String("GATEKEEPER_BADGER_PATH", "./data/registry"),
		SyncWrites:     syncWrites,
		GCInterval:     gcInterval,
		GCDiscardRatio: ratio,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// InMemoryConfig is used by tests and CLI dry runs.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("GATEKEEPER_BADGER_PATH is required")
	}
	if c.GCInterval < 0 {
		return errors.New("GATEKEEPER_BADGER_GC_INTERVAL must be >= 0")
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1 {
		return errors.New("GATEKEEPER_BADGER_GC_DISCARD_RATIO must be between 0 and 1")
	}
	return nil
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

type Store struct {
	db         *badger.DB
	now        func() time.Time
	gcInterval time.Duration
	gcRatio    float64
	logger     *slog.Logger
}

func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{
		db:         db,
		now:        func() time.Time { return time.Now().UTC() },
		gcInterval: cfg.GCInterval,
		gcRatio:    cfg.GCDiscardRatio,
		logger:     cfg.Logger,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is still open.
func (s *Store) Ping(context.Context) error {
	if s == nil || s.db == nil || s.db.IsClosed() {
		return errors.New("badger store closed")
	}
	return nil
}

// RunGC runs value log garbage collection until ctx is done. With GC disabled
// or an in-memory store it only waits for ctx.
func (s *Store) RunGC(ctx context.Context) error {
	if s.gcInterval <= 0 || s.db.Opts().InMemory {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.gcRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log gc failed", "error", err)
			}
		}
	}
}
