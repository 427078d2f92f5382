package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/animus-labs/animus-gatekeeper/internal/decision"
	"github.com/animus-labs/animus-gatekeeper/internal/deploytrigger"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/httpserver"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/metrics"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/objectstore"
	"github.com/animus-labs/animus-gatekeeper/internal/verdictsink"
)

// Sinks is the verdict fan-out. The audit store always comes first and is
// required; the deployment trigger comes last and is skipped when the store
// failed, so nothing acts on a verdict that was not recorded.
type Sinks struct {
	verdictsink.Multi
	Checks []httpserver.ReadinessCheck

	closers []func() error
}

func OpenSinks(ctx context.Context, cfg Config, b *Backends, m *metrics.Metrics, logger *slog.Logger) (*Sinks, error) {
	s := &Sinks{}
	s.Multi = append(s.Multi, verdictsink.Named{Name: "store", Sink: verdictsink.Store(b.Verdicts), Required: true})

	fileCfg, ok, err := verdictsink.FileConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("audit file config: %w", err)
	}
	if ok {
		file, err := verdictsink.NewFile(fileCfg)
		if err != nil {
			return nil, err
		}
		s.Multi = append(s.Multi, verdictsink.Named{Name: "file", Sink: file})
		s.closers = append(s.closers, file.Close)
	}

	if cfg.ArchiveEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("object store config: %w", err)
		}
		archive, err := objectstore.NewArchive(storeCfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Multi = append(s.Multi, verdictsink.Named{Name: "archive", Sink: verdictsink.NewArchive(archive)})
		s.Checks = append(s.Checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
				defer cancel()
				return archive.Check(checkCtx)
			},
		})
	}

	if m != nil {
		s.Multi = append(s.Multi, verdictsink.Named{Name: "metrics", Sink: verdictsink.Metrics(m)})
	}

	triggerCfg, err := deploytrigger.ConfigFromEnv()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("deploy trigger config: %w", err)
	}
	if triggerCfg.Enabled() {
		client, err := deploytrigger.New(ctx, triggerCfg, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Multi = append(s.Multi, verdictsink.Named{Name: "deploy_trigger", Sink: client, Acts: true})
	} else if logger != nil {
		logger.Warn("DEPLOY_TRIGGER_URL not set; promote and rollback verdicts are recorded only")
	}
	return s, nil
}

// Names lists the configured sinks in publish order.
func (s *Sinks) Names() []string {
	out := make([]string, 0, len(s.Multi))
	for _, n := range s.Multi {
		out = append(out, n.Name)
	}
	return out
}

func (s *Sinks) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

var _ decision.Sink = (*Sinks)(nil)
