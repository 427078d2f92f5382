package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
	"github.com/animus-labs/animus-gatekeeper/internal/repo/memory"
)

const fraudModel = "fraud-detection-model"

func at(day int) time.Time {
	return time.Date(2026, 2, day, 9, 0, 0, 0, time.UTC)
}

func servedAt(day int) *time.Time {
	t := at(day)
	return &t
}

func fraudHistory(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New(memory.WithClock(newTickingClock().Now))
	err := store.SeedVersions(context.Background(),
		domain.ModelVersion{ModelName: fraudModel, Version: 3, Stage: domain.StageArchived, RunID: "run-3", CreatedAt: at(3), LastProductionAt: servedAt(3)},
		domain.ModelVersion{ModelName: fraudModel, Version: 4, Stage: domain.StageArchived, RunID: "run-4", CreatedAt: at(4), LastProductionAt: servedAt(4)},
		domain.ModelVersion{ModelName: fraudModel, Version: 5, Stage: domain.StageProduction, RunID: "run-5", CreatedAt: at(5), LastProductionAt: servedAt(5)},
	)
	if err != nil {
		t.Fatalf("SeedVersions() err=%v", err)
	}
	return store
}

func newRollback(t *testing.T, reg repo.Registry, sink Sink) *RollbackEngine {
	t.Helper()
	engine, err := NewRollbackEngine(RollbackConfig{
		Registry: reg,
		Sink:     sink,
		Now:      newTickingClock().Now,
		NewID:    sequentialIDs(),
	})
	if err != nil {
		t.Fatalf("NewRollbackEngine() err=%v", err)
	}
	return engine
}

func TestRollback_RestoresPreviousProduction(t *testing.T) {
	store := fraudHistory(t)
	sink := &recordingSink{}
	engine := newRollback(t, store, sink)

	verdict, err := engine.Rollback(context.Background(), fraudModel, "accuracy drop")
	if err != nil {
		t.Fatalf("Rollback() err=%v", err)
	}
	if verdict.Kind != domain.VerdictRollback || verdict.FromVersion != 5 || verdict.ToVersion != 4 || verdict.Trigger != "accuracy drop" {
		t.Fatalf("verdict=%+v", verdict)
	}

	prod, err := store.GetProduction(context.Background(), fraudModel)
	if err != nil || prod.Version != 4 {
		t.Fatalf("production=%+v err=%v", prod, err)
	}
	archived, _ := store.ListVersions(context.Background(), repo.VersionFilter{ModelName: fraudModel, Stage: domain.StageArchived})
	var versions []int64
	for _, v := range archived {
		versions = append(versions, v.Version)
	}
	if diff := cmp.Diff([]int64{3, 5}, versions); diff != "" {
		t.Fatalf("archived mismatch (-want +got):\n%s", diff)
	}
	if got := sink.all(); len(got) != 1 || got[0].ID != verdict.ID {
		t.Fatalf("sink=%+v", got)
	}
}

func TestRollback_NoProduction(t *testing.T) {
	engine := newRollback(t, memory.New(), nil)
	_, err := engine.Rollback(context.Background(), fraudModel, "accuracy drop")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Rollback() err=%v, want ErrNotFound", err)
	}
}

func TestRollback_SingleVersionHasNoTarget(t *testing.T) {
	store := memory.New()
	if err := store.SeedVersions(context.Background(),
		domain.ModelVersion{ModelName: fraudModel, Version: 1, Stage: domain.StageProduction, RunID: "run-1", CreatedAt: at(1), LastProductionAt: servedAt(1)},
	); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	_, err := newRollback(t, store, sink).Rollback(context.Background(), fraudModel, "accuracy drop")
	if !errors.Is(err, domain.ErrNoRollbackTarget) {
		t.Fatalf("Rollback() err=%v, want ErrNoRollbackTarget", err)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("failed rollback published a verdict")
	}
}

func TestRollback_SkipsVersionsThatNeverServed(t *testing.T) {
	store := memory.New()
	if err := store.SeedVersions(context.Background(),
		domain.ModelVersion{ModelName: fraudModel, Version: 1, Stage: domain.StageArchived, RunID: "run-1", CreatedAt: at(1)},
		domain.ModelVersion{ModelName: fraudModel, Version: 2, Stage: domain.StageProduction, RunID: "run-2", CreatedAt: at(2), LastProductionAt: servedAt(2)},
	); err != nil {
		t.Fatal(err)
	}
	_, err := newRollback(t, store, nil).Rollback(context.Background(), fraudModel, "latency")
	if !errors.Is(err, domain.ErrNoRollbackTarget) {
		t.Fatalf("Rollback() err=%v, want ErrNoRollbackTarget", err)
	}
}

func TestRollback_RequiresTrigger(t *testing.T) {
	if _, err := newRollback(t, fraudHistory(t), nil).Rollback(context.Background(), fraudModel, " "); err == nil {
		t.Fatalf("expected error for blank trigger")
	}
}

func TestRollback_ConcurrentAlertsRollBackOnce(t *testing.T) {
	store := fraudHistory(t)
	reg := newBarrierRegistry(store, 2)
	engine := newRollback(t, reg, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Rollback(context.Background(), fraudModel, "accuracy drop")
		}(i)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
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
	prod := productionVersions(t, store, fraudModel)
	if len(prod) != 1 || prod[0].Version != 4 {
		t.Fatalf("production=%+v", prod)
	}
}

func TestSelectRollbackTarget(t *testing.T) {
	current := domain.ModelVersion{ModelName: "m", Version: 9, Stage: domain.StageProduction, CreatedAt: at(10)}
	candidates := []domain.ModelVersion{
		{Version: 5, Stage: domain.StageArchived, CreatedAt: at(8), LastProductionAt: servedAt(8)},
		{Version: 6, Stage: domain.StageArchived, CreatedAt: at(8), LastProductionAt: servedAt(8)},
		{Version: 7, Stage: domain.StageArchived, CreatedAt: at(9)},
		{Version: 8, Stage: domain.StageStaging, CreatedAt: at(9), LastProductionAt: servedAt(9)},
		{Version: 10, Stage: domain.StageArchived, CreatedAt: at(11), LastProductionAt: servedAt(11)},
	}
	got, ok := SelectRollbackTarget(current, candidates)
	if !ok || got.Version != 6 {
		t.Fatalf("target=%+v ok=%v, want v6", got, ok)
	}
}

func TestSelectRollbackTarget_EqualTimestampsUseVersionOrder(t *testing.T) {
	current := domain.ModelVersion{ModelName: "m", Version: 3, Stage: domain.StageProduction, CreatedAt: at(5)}
	candidates := []domain.ModelVersion{
		{Version: 2, Stage: domain.StageArchived, CreatedAt: at(5), LastProductionAt: servedAt(5)},
		{Version: 4, Stage: domain.StageArchived, CreatedAt: at(5), LastProductionAt: servedAt(6)},
	}
	got, ok := SelectRollbackTarget(current, candidates)
	if !ok || got.Version != 2 {
		t.Fatalf("target=%+v ok=%v, want v2", got, ok)
	}
	if _, ok := SelectRollbackTarget(current, candidates[1:]); ok {
		t.Fatalf("a later-registered version with the same timestamp must not be a target")
	}
}
