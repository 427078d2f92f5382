package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/policy"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

type GatekeeperConfig struct {
	Runs     repo.RunMetricStore
	Registry repo.Registry
	Policy   *policy.Policy
	Sink     Sink
	Logger   *slog.Logger

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

type Gatekeeper struct {
	runs     repo.RunMetricStore
	registry repo.Registry
	policy   *policy.Policy
	sink     Sink
	clock
}

func NewGatekeeper(cfg GatekeeperConfig) (*Gatekeeper, error) {
	if cfg.Runs == nil {
		return nil, errors.New("run metric store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("policy is required")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = Discard
	}
	return &Gatekeeper{
		runs:     cfg.Runs,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		sink:     sink,
		clock:    newClock(cfg.Now, cfg.NewID, cfg.Logger),
	}, nil
}

// Gate decides whether candidateRunID replaces the current Production version
// of modelName. A Reject is a verdict, not an error. When the candidate run is
// missing or incomplete the Reject is returned together with ErrNotFound or
// ErrIncompleteMetrics.
func (g *Gatekeeper) Gate(ctx context.Context, modelName, candidateRunID string) (domain.Verdict, error) {
	modelName = strings.TrimSpace(modelName)
	candidateRunID = strings.TrimSpace(candidateRunID)
	if modelName == "" {
		return domain.Verdict{}, errors.New("model name is required")
	}
	if candidateRunID == "" {
		return domain.Verdict{}, errors.New("candidate run id is required")
	}
	logger := g.logger.With("model_name", modelName, "candidate_run_id", candidateRunID)

	candidate, err := g.runs.GetRunMetrics(ctx, candidateRunID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return g.rejectUnavailable(ctx, modelName, candidateRunID, fmt.Errorf("candidate run %s: %w", candidateRunID, err))
	case err != nil:
		return domain.Verdict{}, fmt.Errorf("get candidate run: %w", err)
	case !candidate.Completed():
		return g.rejectUnavailable(ctx, modelName, candidateRunID,
			fmt.Errorf("candidate run %s (status %q, %d metrics): %w", candidateRunID, candidate.Status, len(candidate.Metrics), domain.ErrIncompleteMetrics))
	}

	var (
		production *domain.ModelVersion
		baseline   *domain.RunMetrics
	)
	current, err := g.registry.GetProduction(ctx, modelName)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return domain.Verdict{}, fmt.Errorf("get production version: %w", err)
	default:
		production = &current
	}

	if production != nil && production.RunID == candidateRunID {
		verdict := g.stamp(domain.Verdict{
			Kind:           domain.VerdictReject,
			ModelName:      modelName,
			CandidateRunID: candidateRunID,
			BaselineRunID:  production.RunID,
			Reasons:        []string{domain.ReasonAlreadyCurrentProduction},
		})
		logger.Info("candidate already in production", "version", production.Version)
		return verdict, publish(ctx, g.sink, verdict)
	}

	if production != nil {
		run, err := g.runs.GetRunMetrics(ctx, production.RunID)
		if err != nil {
			return domain.Verdict{}, fmt.Errorf("baseline run %s of %s: %w", production.RunID, production, err)
		}
		baseline = &run
	}

	eval := g.policy.Evaluate(candidate, baseline)
	if !eval.Passed {
		failures := eval.Failures()
		reasons := make([]string, 0, len(failures))
		for _, f := range failures {
			reasons = append(reasons, f.String())
		}
		verdict := g.stamp(domain.Verdict{
			Kind:           domain.VerdictReject,
			ModelName:      modelName,
			CandidateRunID: candidateRunID,
			BaselineRunID:  eval.BaselineRunID,
			Reasons:        reasons,
			Failures:       failures,
		})
		logger.Info("candidate rejected", "rules_fail", eval.Summary.RulesFail, "baseline_run_id", eval.BaselineRunID)
		return verdict, publish(ctx, g.sink, verdict)
	}

	version, err := g.candidateVersion(ctx, modelName, candidateRunID, production)
	if err != nil {
		return domain.Verdict{}, err
	}
	transition := repo.Transition{
		ModelName: modelName,
		Promote:   version.Version,
		DemoteTo:  domain.StageArchived,
	}
	if production != nil {
		transition.ExpectedProduction = production.Version
	}
	promoted, err := g.registry.Transition(ctx, transition)
	if err != nil {
		logger.Warn("promotion transition failed", "version", version.Version, "error", err)
		return domain.Verdict{}, fmt.Errorf("promote %s: %w", version, err)
	}

	verdict := g.stamp(domain.Verdict{
		Kind:            domain.VerdictPromote,
		ModelName:       modelName,
		Version:         promoted.Version,
		ArchivedVersion: transition.ExpectedProduction,
		CandidateRunID:  candidateRunID,
		BaselineRunID:   eval.BaselineRunID,
	})
	logger.Info("candidate promoted", "version", promoted.Version, "archived_version", transition.ExpectedProduction)
	return verdict, publish(ctx, g.sink, verdict)
}

// candidateVersion reuses the newest version already registered for the run
// when it was created after the current Production version, which happens when
// a previous attempt lost the transition race. Anything older gets a fresh
// version so rollback ordering by creation time keeps holding.
func (g *Gatekeeper) candidateVersion(ctx context.Context, modelName, runID string, production *domain.ModelVersion) (domain.ModelVersion, error) {
	existing, err := g.registry.ListVersions(ctx, repo.VersionFilter{ModelName: modelName, RunID: runID})
	if err != nil {
		return domain.ModelVersion{}, fmt.Errorf("list versions for run: %w", err)
	}
	var (
		latest domain.ModelVersion
		found  bool
	)
	for _, v := range existing {
		if production != nil && !createdBefore(*production, v) {
			continue
		}
		if !found || v.Version > latest.Version {
			latest = v
			found = true
		}
	}
	if found {
		return latest, nil
	}
	version, err := g.registry.RegisterVersion(ctx, modelName, runID)
	if err != nil {
		return domain.ModelVersion{}, fmt.Errorf("register version: %w", err)
	}
	return version, nil
}

func (g *Gatekeeper) rejectUnavailable(ctx context.Context, modelName, runID string, cause error) (domain.Verdict, error) {
	verdict := g.stamp(domain.Verdict{
		Kind:           domain.VerdictReject,
		ModelName:      modelName,
		CandidateRunID: runID,
		Reasons:        []string{domain.ReasonRunMetricsUnavailable},
	})
	g.logger.Warn("candidate run unavailable", "model_name", modelName, "candidate_run_id", runID, "error", cause)
	if err := publish(ctx, g.sink, verdict); err != nil {
		return verdict, errors.Join(cause, err)
	}
	return verdict, cause
}
