package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

type RollbackConfig struct {
	Registry repo.Registry
	Sink     Sink
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type RollbackEngine struct {
	registry repo.Registry
	sink     Sink
	clock
}

func NewRollbackEngine(cfg RollbackConfig) (*RollbackEngine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = Discard
	}
	return &RollbackEngine{
		registry: cfg.Registry,
		sink:     sink,
		clock:    newClock(cfg.Now, cfg.NewID, cfg.Logger),
	}, nil
}

// Rollback restores the most recent archived version that served production
// before the current one.
func (e *RollbackEngine) Rollback(ctx context.Context, modelName, triggerReason string) (domain.Verdict, error) {
	modelName = strings.TrimSpace(modelName)
	triggerReason = strings.TrimSpace(triggerReason)
	if modelName == "" {
		return domain.Verdict{}, errors.New("model name is required")
	}
	if triggerReason == "" {
		return domain.Verdict{}, errors.New("trigger reason is required")
	}

	current, err := e.registry.GetProduction(ctx, modelName)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("get production version: %w", err)
	}
	archived, err := e.registry.ListVersions(ctx, repo.VersionFilter{ModelName: modelName, Stage: domain.StageArchived})
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("list archived versions: %w", err)
	}
	target, ok := SelectRollbackTarget(current, archived)
	if !ok {
		return domain.Verdict{}, fmt.Errorf("%s: %w", current, domain.ErrNoRollbackTarget)
	}

	if _, err := e.registry.Transition(ctx, repo.Transition{
		ModelName:          modelName,
		Promote:            target.Version,
		ExpectedProduction: current.Version,
		DemoteTo:           domain.StageArchived,
	}); err != nil {
		e.logger.Warn("rollback transition failed", "model_name", modelName, "from_version", current.Version, "to_version", target.Version, "error", err)
		return domain.Verdict{}, fmt.Errorf("roll back %s to v%d: %w", current, target.Version, err)
	}

	verdict := e.stamp(domain.Verdict{
		Kind:        domain.VerdictRollback,
		ModelName:   modelName,
		FromVersion: current.Version,
		ToVersion:   target.Version,
		Trigger:     triggerReason,
	})
	e.logger.Info("rolled back", "model_name", modelName, "from_version", current.Version, "to_version", target.Version, "trigger", triggerReason)
	return verdict, publish(ctx, e.sink, verdict)
}

// SelectRollbackTarget picks the newest archived version that was created
// before current and has served production. Versions that never reached
// production are never targets. "Before" is (CreatedAt, Version) order: equal
// timestamps fall back to the version number, which the registry assigns in
// registration order.
func SelectRollbackTarget(current domain.ModelVersion, versions []domain.ModelVersion) (domain.ModelVersion, bool) {
	var (
		best  domain.ModelVersion
		found bool
	)
	for _, v := range versions {
		if v.Stage != domain.StageArchived || !v.ServedProduction() || v.Version == current.Version {
			continue
		}
		if !createdBefore(v, current) {
			continue
		}
		if !found || createdBefore(best, v) {
			best = v
			found = true
		}
	}
	return best, found
}

func createdBefore(a, b domain.ModelVersion) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Version < b.Version
}
