package repo

import (
	"context"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

type VersionFilter struct {
	ModelName string
	Stage     domain.Stage
	RunID     string
	Limit     int
}

type VerdictFilter struct {
	ModelName string
	Kind      domain.VerdictKind
	Limit     int
}

// Transition is a compare-and-swap stage change. Promote moves to Production
// only while the current Production version equals ExpectedProduction (0 means
// no Production version). The displaced version moves to DemoteTo.
type Transition struct {
	ModelName          string
	Promote            int64
	ExpectedProduction int64
	DemoteTo           domain.Stage
}

// RunMetricStore reads completed training runs.
type RunMetricStore interface {
	GetRunMetrics(ctx context.Context, runID string) (domain.RunMetrics, error)
}

// Registry manages model versions and their stages.
type Registry interface {
	GetProduction(ctx context.Context, modelName string) (domain.ModelVersion, error)
	ListVersions(ctx context.Context, filter VersionFilter) ([]domain.ModelVersion, error)
	RegisterVersion(ctx context.Context, modelName, runID string) (domain.ModelVersion, error)
	Transition(ctx context.Context, t Transition) (domain.ModelVersion, error)
}

// VerdictStore is the append-only verdict audit trail.
type VerdictStore interface {
	AppendVerdict(ctx context.Context, verdict domain.Verdict) error
	ListVerdicts(ctx context.Context, filter VerdictFilter) ([]domain.Verdict, error)
}
