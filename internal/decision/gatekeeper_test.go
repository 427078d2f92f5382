package decision

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/policy"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
	"github.com/animus-labs/animus-gatekeeper/internal/repo/memory"
)

type gateFixture struct {
	store *memory.Store
	sink  *recordingSink
	gk    *Gatekeeper
}

func newGateFixture(t *testing.T, reg repo.Registry, store *memory.Store, rules ...policy.Rule) gateFixture {
	t.Helper()
	clock := newTickingClock()
	if store == nil {
		store = memory.New(memory.WithClock(clock.Now))
	}
	if reg == nil {
		reg = store
	}
	sink := &recordingSink{}
	gk, err := NewGatekeeper(GatekeeperConfig{
		Runs:     store,
		Registry: reg,
		Policy:   mustPolicy(t, rules...),
		Sink:     sink,
		Now:      clock.Now,
		NewID:    sequentialIDs(),
	})
	if err != nil {
		t.Fatalf("NewGatekeeper() err=%v", err)
	}
	return gateFixture{store: store, sink: sink, gk: gk}
}

var accuracyFloor = policy.Rule{ID: "accuracy-floor", Metric: "accuracy", Kind: policy.KindGreaterOrEqual, Bound: 0.5}

func noWorse(tolerance float64) policy.Rule {
	return policy.Rule{ID: "accuracy-regression", Metric: "accuracy", Kind: policy.KindNoWorseThanBaselineBy, Bound: tolerance}
}

// seedProduction gates the baseline run into production with a lenient policy.
func seedProduction(t *testing.T, store *memory.Store, model, runID string, metrics map[string]float64) domain.ModelVersion {
	t.Helper()
	putRun(t, store, runID, metrics)
	boot := newGateFixture(t, nil, store, accuracyFloor)
	verdict, err := boot.gk.Gate(context.Background(), model, runID)
	if err != nil || verdict.Kind != domain.VerdictPromote {
		t.Fatalf("seed gate verdict=%v err=%v", verdict, err)
	}
	prod, err := store.GetProduction(context.Background(), model)
	if err != nil {
		t.Fatalf("GetProduction() err=%v", err)
	}
	return prod
}

func TestGate_FirstDeploymentPromotes(t *testing.T) {
	f := newGateFixture(t, nil, nil, accuracyFloor)
	putRun(t, f.store, "run-1", map[string]float64{"accuracy": 0.8})

	verdict, err := f.gk.Gate(context.Background(), "churn", "run-1")
	if err != nil {
		t.Fatalf("Gate() err=%v", err)
	}
	if verdict.Kind != domain.VerdictPromote || verdict.Version != 1 || verdict.ArchivedVersion != 0 {
		t.Fatalf("verdict=%+v", verdict)
	}
	prod := productionVersions(t, f.store, "churn")
	if len(prod) != 1 || prod[0].RunID != "run-1" || prod[0].LastProductionAt == nil {
		t.Fatalf("production=%+v", prod)
	}
}

func TestGate_VacuousBaselineAlwaysPasses(t *testing.T) {
	f := newGateFixture(t, nil, nil, noWorse(0), policy.Rule{Metric: "latency_ms", Kind: policy.KindNoWorseThanBaselineBy, Bound: 0, Direction: policy.DirectionLowerIsBetter})
	putRun(t, f.store, "run-1", map[string]float64{"accuracy": 0.01, "latency_ms": 9000})

	verdict, err := f.gk.Gate(context.Background(), "churn", "run-1")
	if err != nil {
		t.Fatalf("Gate() err=%v", err)
	}
	if verdict.Kind != domain.VerdictPromote {
		t.Fatalf("verdict=%v, want Promote", verdict)
	}
}

func TestGate_RegressionBeyondToleranceRejects(t *testing.T) {
	store := memory.New(memory.WithClock(newTickingClock().Now))
	baseline := seedProduction(t, store, "churn", "run-base", map[string]float64{"accuracy": 0.95})
	f := newGateFixture(t, nil, store, noWorse(0.02))
	putRun(t, store, "run-cand", map[string]float64{"accuracy": 0.91})

	verdict, err := f.gk.Gate(context.Background(), "churn", "run-cand")
	if err != nil {
		t.Fatalf("Gate() err=%v", err)
	}
	if verdict.Kind != domain.VerdictReject {
		t.Fatalf("verdict=%v, want Reject", verdict)
	}
	if len(verdict.Failures) != 1 || verdict.Failures[0].Metric != "accuracy" {
		t.Fatalf("failures=%+v", verdict.Failures)
	}
	if verdict.BaselineRunID != "run-base" {
		t.Fatalf("BaselineRunID=%q", verdict.BaselineRunID)
	}

	prod := productionVersions(t, store, "churn")
	if len(prod) != 1 || prod[0].Version != baseline.Version {
		t.Fatalf("registry mutated on reject: %+v", prod)
	}
	all, _ := store.ListVersions(context.Background(), repo.VersionFilter{ModelName: "churn"})
	if len(all) != 1 {
		t.Fatalf("reject registered a version: %+v", all)
	}
}

func TestGate_RegressionWithinTolerancePromotes(t *testing.T) {
	store := memory.New(memory.WithClock(newTickingClock().Now))
	baseline := seedProduction(t, store, "churn", "run-base", map[string]float64{"accuracy": 0.95})
	f := newGateFixture(t, nil, store, noWorse(0.05))
	putRun(t, store, "run-cand", map[string]float64{"accuracy": 0.91})

	verdict, err := f.gk.Gate(context.Background(), "churn", "run-cand")
	if err != nil {
		t.Fatalf("Gate() err=%v", err)
	}
	if verdict.Kind != domain.VerdictPromote || verdict.ArchivedVersion != baseline.Version {
		t.Fatalf("verdict=%+v", verdict)
	}

	archived, _ := store.ListVersions(context.Background(), repo.VersionFilter{ModelName: "churn", Stage: domain.StageArchived})
	if len(archived) != 1 || archived[0].Version != baseline.Version {
		t.Fatalf("archived=%+v", archived)
	}
	prod := productionVersions(t, store, "churn")
	if len(prod) != 1 || prod[0].Version != verdict.Version {
		t.Fatalf("production=%+v", prod)
	}
}

func TestGate_MissingRunRejectsWithNotFound(t *testing.T) {
	f := newGateFixture(t, nil, nil, accuracyFloor)

	verdict, err := f.gk.Gate(context.Background(), "churn", "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Gate() err=%v, want ErrNotFound", err)
	}
	want := []string{domain.ReasonRunMetricsUnavailable}
	if verdict.Kind != domain.VerdictReject || !cmp.Equal(verdict.Reasons, want) {
		t.Fatalf("verdict=%+v", verdict)
	}
	if got := f.sink.all(); len(got) != 1 || got[0].ID != verdict.ID {
		t.Fatalf("sink=%+v", got)
	}
}

func TestGate_IncompleteRunRejects(t *testing.T) {
	f := newGateFixture(t, nil, nil, accuracyFloor)
	running := domain.RunMetrics{RunID: "run-1", Status: "RUNNING", Metrics: map[string]float64{"accuracy": 0.9}}
	if err := f.store.PutRunMetrics(context.Background(), running); err != nil {
		t.Fatal(err)
	}
	putRun(t, f.store, "run-2", nil)

	for _, runID := range []string{"run-1", "run-2"} {
		verdict, err := f.gk.Gate(context.Background(), "churn", runID)
		if !errors.Is(err, domain.ErrIncompleteMetrics) {
			t.Fatalf("%s: err=%v, want ErrIncompleteMetrics", runID, err)
		}
		if verdict.Kind != domain.VerdictReject {
			t.Fatalf("%s: verdict=%v", runID, verdict)
		}
	}
	if prod := productionVersions(t, f.store, "churn"); len(prod) != 0 {
		t.Fatalf("production=%+v", prod)
	}
}

func TestGate_MissingBaselineRunIsNotFound(t *testing.T) {
	store := memory.New()
	if err := store.SeedVersions(context.Background(), domain.ModelVersion{ModelName: "churn", Version: 1, Stage: domain.StageProduction, RunID: "vanished"}); err != nil {
		t.Fatal(err)
	}
	f := newGateFixture(t, nil, store, noWorse(0))
	putRun(t, store, "run-2", map[string]float64{"accuracy": 0.9})

	verdict, err := f.gk.Gate(context.Background(), "churn", "run-2")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Gate() err=%v, want ErrNotFound", err)
	}
	if verdict.Kind != "" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestGate_RepeatIsIdempotent(t *testing.T) {
	f := newGateFixture(t, nil, nil, accuracyFloor)
	putRun(t, f.store, "run-1", map[string]float64{"accuracy": 0.8})
	ctx := context.Background()

	first, err := f.gk.Gate(ctx, "churn", "run-1")
	if err != nil || first.Kind != domain.VerdictPromote {
		t.Fatalf("first verdict=%v err=%v", first, err)
	}
	second, err := f.gk.Gate(ctx, "churn", "run-1")
	if err != nil {
		t.Fatalf("second Gate() err=%v", err)
	}
	if second.Kind != domain.VerdictReject || !cmp.Equal(second.Reasons, []string{domain.ReasonAlreadyCurrentProduction}) {
		t.Fatalf("second verdict=%+v", second)
	}

	all, _ := f.store.ListVersions(ctx, repo.VersionFilter{ModelName: "churn"})
	if len(all) != 1 {
		t.Fatalf("versions=%+v, want a single version", all)
	}
	promotes := 0
	for _, v := range f.sink.all() {
		if v.Kind == domain.VerdictPromote {
			promotes++
		}
	}
	if promotes != 1 {
		t.Fatalf("promote verdicts=%d, want 1", promotes)
	}
}

func TestGate_CollectsEveryFailure(t *testing.T) {
	f := newGateFixture(t, nil, nil,
		policy.Rule{ID: "acc", Metric: "accuracy", Kind: policy.KindGreaterOrEqual, Bound: 0.9},
		policy.Rule{ID: "lat", Metric: "latency_ms", Kind: policy.KindLessOrEqual, Bound: 50},
		policy.Rule{ID: "recall", Metric: "recall", Kind: policy.KindGreaterOrEqual, Bound: 0.5},
	)
	putRun(t, f.store, "run-1", map[string]float64{"accuracy": 0.7, "latency_ms": 70})

	verdict, err := f.gk.Gate(context.Background(), "churn", "run-1")
	if err != nil {
		t.Fatalf("Gate() err=%v", err)
	}
	var ids []string
	for _, failure := range verdict.Failures {
		ids = append(ids, failure.RuleID)
	}
	if diff := cmp.Diff([]string{"acc", "lat", "recall"}, ids); diff != "" {
		t.Fatalf("failures mismatch (-want +got):\n%s", diff)
	}
	if len(verdict.Reasons) != 3 {
		t.Fatalf("reasons=%v", verdict.Reasons)
	}
}

func TestGate_PublishFailureIsReported(t *testing.T) {
	f := newGateFixture(t, nil, nil, accuracyFloor)
	f.sink.err = errors.New("sink down")
	putRun(t, f.store, "run-1", map[string]float64{"accuracy": 0.8})

	verdict, err := f.gk.Gate(context.Background(), "churn", "run-1")
	if !IsPublishError(err) {
		t.Fatalf("Gate() err=%v, want publish error", err)
	}
	if verdict.Kind != domain.VerdictPromote {
		t.Fatalf("verdict=%v", verdict)
	}
}

func TestGate_ConcurrentCandidatesPromoteOnce(t *testing.T) {
	store := memory.New(memory.WithClock(newTickingClock().Now))
	seedProduction(t, store, "churn", "run-base", map[string]float64{"accuracy": 0.80})
	putRun(t, store, "run-a", map[string]float64{"accuracy": 0.85})
	putRun(t, store, "run-b", map[string]float64{"accuracy": 0.86})

	reg := newBarrierRegistry(store, 2)
	f := newGateFixture(t, reg, store, noWorse(0))

	var wg sync.WaitGroup
	verdicts := make([]domain.Verdict, 2)
	errs := make([]error, 2)
	for i, runID := range []string{"run-a", "run-b"} {
		wg.Add(1)
		go func(i int, runID string) {
			defer wg.Done()
			verdicts[i], errs[i] = f.gk.Gate(context.Background(), "churn", runID)
		}(i, runID)
	}
	wg.Wait()

	promoted, conflicted := 0, 0
	for i := range errs {
		switch {
		case errs[i] == nil && verdicts[i].Kind == domain.VerdictPromote:
			promoted++
		case errors.Is(errs[i], domain.ErrConcurrentModification):
			conflicted++
		default:
			t.Fatalf("gate %d: verdict=%v err=%v", i, verdicts[i], errs[i])
		}
	}
	if promoted != 1 || conflicted != 1 {
		t.Fatalf("promoted=%d conflicted=%d", promoted, conflicted)
	}
	if prod := productionVersions(t, store, "churn"); len(prod) != 1 {
		t.Fatalf("production=%+v", prod)
	}
}

func TestGate_RetryAfterConflictReusesVersion(t *testing.T) {
	store := memory.New(memory.WithClock(newTickingClock().Now))
	base := seedProduction(t, store, "churn", "run-base", map[string]float64{"accuracy": 0.80})
	putRun(t, store, "run-a", map[string]float64{"accuracy": 0.85})
	ctx := context.Background()

	// A version registered by an attempt that lost the transition race.
	stale, err := store.RegisterVersion(ctx, "churn", "run-a")
	if err != nil {
		t.Fatal(err)
	}
	f := newGateFixture(t, nil, store, noWorse(0))
	verdict, err := f.gk.Gate(ctx, "churn", "run-a")
	if err != nil {
		t.Fatalf("Gate() err=%v", err)
	}
	if verdict.Version != stale.Version || verdict.ArchivedVersion != base.Version {
		t.Fatalf("verdict=%+v, want reuse of v%d", verdict, stale.Version)
	}
	all, _ := store.ListVersions(ctx, repo.VersionFilter{ModelName: "churn"})
	if len(all) != 2 {
		t.Fatalf("versions=%d, want 2", len(all))
	}
}

func TestNewGatekeeper_RequiresCollaborators(t *testing.T) {
	if _, err := NewGatekeeper(GatekeeperConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestGate_RegateOfOlderRunRegistersNewVersion(t *testing.T) {
	f := newGateFixture(t, nil, nil, accuracyFloor)
	putRun(t, f.store, "run-1", map[string]float64{"accuracy": 0.8})
	putRun(t, f.store, "run-2", map[string]float64{"accuracy": 0.9})
	ctx := context.Background()

	for _, runID := range []string{"run-1", "run-2"} {
		if v, err := f.gk.Gate(ctx, "churn", runID); err != nil || v.Kind != domain.VerdictPromote {
			t.Fatalf("Gate(%s) verdict=%v err=%v", runID, v, err)
		}
	}
	verdict, err := f.gk.Gate(ctx, "churn", "run-1")
	if err != nil {
		t.Fatalf("Gate() err=%v", err)
	}
	if verdict.Version != 3 || verdict.ArchivedVersion != 2 {
		t.Fatalf("verdict=%+v, want v3 displacing v2", verdict)
	}

	rb, err := newRollback(t, f.store, nil).Rollback(ctx, "churn", "latency spike")
	if err != nil {
		t.Fatalf("Rollback() err=%v", err)
	}
	if rb.FromVersion != 3 || rb.ToVersion != 2 {
		t.Fatalf("rollback=%+v, want v3 -> v2", rb)
	}
}

func TestGate_StaleVersionOlderThanProductionIsNotReused(t *testing.T) {
	store := memory.New(memory.WithClock(newTickingClock().Now))
	seedProduction(t, store, "churn", "run-base", map[string]float64{"accuracy": 0.80})
	putRun(t, store, "run-a", map[string]float64{"accuracy": 0.85})
	putRun(t, store, "run-b", map[string]float64{"accuracy": 0.86})
	ctx := context.Background()

	stale, err := store.RegisterVersion(ctx, "churn", "run-a")
	if err != nil {
		t.Fatal(err)
	}
	f := newGateFixture(t, nil, store, accuracyFloor)
	promotedB, err := f.gk.Gate(ctx, "churn", "run-b")
	if err != nil || promotedB.Version != 3 {
		t.Fatalf("Gate(run-b) verdict=%+v err=%v", promotedB, err)
	}

	verdict, err := f.gk.Gate(ctx, "churn", "run-a")
	if err != nil {
		t.Fatalf("Gate(run-a) err=%v", err)
	}
	if verdict.Version == stale.Version || verdict.Version != 4 || verdict.ArchivedVersion != 3 {
		t.Fatalf("verdict=%+v, want a new v4 displacing v3", verdict)
	}

	rb, err := newRollback(t, store, nil).Rollback(ctx, "churn", "error budget burn")
	if err != nil {
		t.Fatalf("Rollback() err=%v", err)
	}
	if rb.FromVersion != 4 || rb.ToVersion != 3 {
		t.Fatalf("rollback=%+v, want v4 -> v3", rb)
	}
}

func TestGate_RacesRollbackOnce(t *testing.T) {
	store := memory.New(memory.WithClock(newTickingClock().Now))
	seedProduction(t, store, "churn", "run-1", map[string]float64{"accuracy": 0.80})
	seedProduction(t, store, "churn", "run-2", map[string]float64{"accuracy": 0.82})
	putRun(t, store, "run-3", map[string]float64{"accuracy": 0.90})

	reg := newBarrierRegistry(store, 2)
	f := newGateFixture(t, reg, store, accuracyFloor)
	engine := newRollback(t, reg, nil)

	var (
		wg      sync.WaitGroup
		gateErr error
		rbErr   error
		gateV   domain.Verdict
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		gateV, gateErr = f.gk.Gate(context.Background(), "churn", "run-3")
	}()
	go func() {
		defer wg.Done()
		_, rbErr = engine.Rollback(context.Background(), "churn", "accuracy drop")
	}()
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range []error{gateErr, rbErr} {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrConcurrentModification):
			conflicted++
		default:
			t.Fatalf("unexpected err=%v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("succeeded=%d conflicted=%d", succeeded, conflicted)
	}
	if gateErr == nil && gateV.Kind != domain.VerdictPromote {
		t.Fatalf("gate verdict=%+v", gateV)
	}
	if prod := productionVersions(t, store, "churn"); len(prod) != 1 {
		t.Fatalf("production=%+v", prod)
	}
}
