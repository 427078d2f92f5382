// Package memory holds the in-process registry, run and verdict stores used by
// the CLI dry runs and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

type Option func(*Store)

// WithClock overrides the time source used for version timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps everything behind one mutex, so Transition is trivially atomic.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	runs     map[string]domain.RunMetrics
	versions map[string][]domain.ModelVersion
	verdicts []domain.Verdict
}

func New(opts ...Option) *Store {
	s := &Store{
		now:      func() time.Time { return time.Now().UTC() },
		runs:     map[string]domain.RunMetrics{},
		versions: map[string][]domain.ModelVersion{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) PutRunMetrics(_ context.Context, run domain.RunMetrics) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[strings.TrimSpace(run.RunID)] = cloneRun(run)
	return nil
}

func (s *Store) GetRunMetrics(_ context.Context, runID string) (domain.RunMetrics, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunMetrics{}, fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return domain.RunMetrics{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return cloneRun(run), nil
}

// SeedVersions installs versions as-is, replacing any with the same number.
// It exists for fixtures that need a specific history.
func (s *Store) SeedVersions(_ context.Context, versions ...domain.ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range versions {
		if err := v.Validate(); err != nil {
			return err
		}
		list := s.versions[v.ModelName]
		replaced := false
		for i := range list {
			if list[i].Version == v.Version {
				list[i] = v
				replaced = true
			}
		}
		if !replaced {
			list = append(list, v)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
		s.versions[v.ModelName] = list
	}
	return nil
}

func (s *Store) GetProduction(_ context.Context, modelName string) (domain.ModelVersion, error) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return domain.ModelVersion{}, fmt.Errorf("model name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.productionIndex(modelName); idx >= 0 {
		return s.versions[modelName][idx], nil
	}
	return domain.ModelVersion{}, fmt.Errorf("%s production version: %w", modelName, domain.ErrNotFound)
}

func (s *Store) ListVersions(_ context.Context, filter repo.VersionFilter) ([]domain.ModelVersion, error) {
	modelName := strings.TrimSpace(filter.ModelName)
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ModelVersion, 0)
	for _, v := range s.versions[modelName] {
		if filter.Stage != "" && v.Stage != filter.Stage {
			continue
		}
		if run := strings.TrimSpace(filter.RunID); run != "" && v.RunID != run {
			continue
		}
		out = append(out, v)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RegisterVersion(_ context.Context, modelName, runID string) (domain.ModelVersion, error) {
	modelName = strings.TrimSpace(modelName)
	runID = strings.TrimSpace(runID)
	if modelName == "" {
		return domain.ModelVersion{}, fmt.Errorf("model name is required")
	}
	if runID == "" {
		return domain.ModelVersion{}, fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.versions[modelName]
	var next int64 = 1
	if n := len(list); n > 0 {
		next = list[n-1].Version + 1
	}
	now := s.now()
	v := domain.ModelVersion{
		ModelName: modelName,
		Version:   next,
		Stage:     domain.StageNone,
		RunID:     runID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.versions[modelName] = append(list, v)
	return v, nil
}

func (s *Store) Transition(_ context.Context, t repo.Transition) (domain.ModelVersion, error) {
	t.ModelName = strings.TrimSpace(t.ModelName)
	if err := t.Validate(); err != nil {
		return domain.ModelVersion{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.versions[t.ModelName]
	current := s.productionIndex(t.ModelName)
	var currentVersion int64
	if current >= 0 {
		currentVersion = list[current].Version
	}
	if err := t.CheckExpected(currentVersion); err != nil {
		return domain.ModelVersion{}, err
	}

	target := -1
	for i := range list {
		if list[i].Version == t.Promote {
			target = i
			break
		}
	}
	if target < 0 {
		return domain.ModelVersion{}, fmt.Errorf("%s/v%d: %w", t.ModelName, t.Promote, domain.ErrNotFound)
	}
	if err := domain.ValidateTransition(list[target].Stage, domain.StageProduction); err != nil {
		return domain.ModelVersion{}, err
	}

	now := s.now()
	if current >= 0 {
		list[current].Stage = t.DemoteStage()
		list[current].UpdatedAt = now
	}
	promoted := now
	list[target].Stage = domain.StageProduction
	list[target].UpdatedAt = now
	list[target].LastProductionAt = &promoted
	return list[target], nil
}

func (s *Store) AppendVerdict(_ context.Context, verdict domain.Verdict) error {
	if err := verdict.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, verdict)
	return nil
}

// ListVerdicts returns newest first.
func (s *Store) ListVerdicts(_ context.Context, filter repo.VerdictFilter) ([]domain.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Verdict, 0)
	for i := len(s.verdicts) - 1; i >= 0; i-- {
		v := s.verdicts[i]
		if name := strings.TrimSpace(filter.ModelName); name != "" && v.ModelName != name {
			continue
		}
		if filter.Kind != "" && v.Kind != filter.Kind {
			continue
		}
		out = append(out, v)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) productionIndex(modelName string) int {
	for i, v := range s.versions[modelName] {
		if v.Stage == domain.StageProduction {
			return i
		}
	}
	return -1
}

func cloneRun(run domain.RunMetrics) domain.RunMetrics {
	out := run
	if run.Metrics != nil {
		out.Metrics = make(map[string]float64, len(run.Metrics))
		for k, v := range run.Metrics {
			out.Metrics[k] = v
		}
	}
	out.Artifacts = append([]string(nil), run.Artifacts...)
	return out
}
