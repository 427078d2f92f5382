package decision

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/policy"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
	"github.com/animus-labs/animus-gatekeeper/internal/repo/memory"
)

type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingSink struct {
	mu       sync.Mutex
	verdicts []domain.Verdict
	err      error
}

func (s *recordingSink) Publish(_ context.Context, v domain.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, v)
	return s.err
}

func (s *recordingSink) all() []domain.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Verdict(nil), s.verdicts...)
}

func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("verdict-%03d", n)
	}
}

// barrierRegistry holds every GetProduction caller until `parties` callers
// have read, so racing engines observe the same Production version.
type barrierRegistry struct {
	repo.Registry
	wg      sync.WaitGroup
	parties int
}

func newBarrierRegistry(inner repo.Registry, parties int) *barrierRegistry {
	b := &barrierRegistry{Registry: inner, parties: parties}
	b.wg.Add(parties)
	return b
}

func (b *barrierRegistry) GetProduction(ctx context.Context, modelName string) (domain.ModelVersion, error) {
	v, err := b.Registry.GetProduction(ctx, modelName)
	b.wg.Done()
	b.wg.Wait()
	return v, err
}

func mustPolicy(t *testing.T, rules ...policy.Rule) *policy.Policy {
	t.Helper()
	p, err := policy.New(policy.Spec{Schema: policy.SpecSchemaV1, Rules: rules}, policy.DefaultEpsilon)
	if err != nil {
		t.Fatalf("policy.New() err=%v", err)
	}
	return p
}

func putRun(t *testing.T, store *memory.Store, id string, metrics map[string]float64) {
	t.Helper()
	run := domain.RunMetrics{RunID: id, Status: domain.RunStatusFinished, Metrics: metrics}
	if err := store.PutRunMetrics(context.Background(), run); err != nil {
		t.Fatalf("PutRunMetrics(%s) err=%v", id, err)
	}
}

func productionVersions(t *testing.T, reg repo.Registry, model string) []domain.ModelVersion {
	t.Helper()
	out, err := reg.ListVersions(context.Background(), repo.VersionFilter{ModelName: model, Stage: domain.StageProduction})
	if err != nil {
		t.Fatalf("ListVersions() err=%v", err)
	}
	return out
}
