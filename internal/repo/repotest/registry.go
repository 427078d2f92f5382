// Package repotest is a behavioural suite shared by the Registry backends.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

// RunRegistry exercises a fresh Registry returned by newRegistry for each subtest.
func RunRegistry(t *testing.T, newRegistry func(t *testing.T) repo.Registry) {
	t.Run("RegisterAssignsIncreasingVersions", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)

		v1, err := reg.RegisterVersion(ctx, "churn", "run-1")
		require.NoError(t, err)
		v2, err := reg.RegisterVersion(ctx, "churn", "run-2")
		require.NoError(t, err)
		other, err := reg.RegisterVersion(ctx, "fraud", "run-3")
		require.NoError(t, err)

		assert.Equal(t, int64(1), v1.Version)
		assert.Equal(t, int64(2), v2.Version)
		assert.Equal(t, int64(1), other.Version)
		assert.Equal(t, domain.StageNone, v2.Stage)
		assert.Nil(t, v2.LastProductionAt)
	})

	t.Run("NoProduction", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.GetProduction(context.Background(), "churn")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("PromoteArchivesPrevious", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		v1, err := reg.RegisterVersion(ctx, "churn", "run-1")
		require.NoError(t, err)
		v2, err := reg.RegisterVersion(ctx, "churn", "run-2")
		require.NoError(t, err)

		promoted, err := reg.Transition(ctx, repo.Transition{ModelName: "churn", Promote: v1.Version})
		require.NoError(t, err)
		assert.Equal(t, domain.StageProduction, promoted.Stage)
		require.NotNil(t, promoted.LastProductionAt)

		_, err = reg.Transition(ctx, repo.Transition{
			ModelName:          "churn",
			Promote:            v2.Version,
			ExpectedProduction: v1.Version,
			DemoteTo:           domain.StageArchived,
		})
		require.NoError(t, err)

		prod, err := reg.GetProduction(ctx, "churn")
		require.NoError(t, err)
		assert.Equal(t, v2.Version, prod.Version)

		archived, err := reg.ListVersions(ctx, repo.VersionFilter{ModelName: "churn", Stage: domain.StageArchived})
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, v1.Version, archived[0].Version)
		assert.NotNil(t, archived[0].LastProductionAt)
	})

	t.Run("StaleExpectationIsRejected", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		v1, err := reg.RegisterVersion(ctx, "churn", "run-1")
		require.NoError(t, err)
		v2, err := reg.RegisterVersion(ctx, "churn", "run-2")
		require.NoError(t, err)
		_, err = reg.Transition(ctx, repo.Transition{ModelName: "churn", Promote: v1.Version})
		require.NoError(t, err)

		_, err = reg.Transition(ctx, repo.Transition{ModelName: "churn", Promote: v2.Version})
		require.ErrorIs(t, err, domain.ErrConcurrentModification)

		prod, err := reg.GetProduction(ctx, "churn")
		require.NoError(t, err)
		assert.Equal(t, v1.Version, prod.Version)
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.Transition(context.Background(), repo.Transition{ModelName: "churn", Promote: 7})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ListFiltersByRun", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		_, err := reg.RegisterVersion(ctx, "churn", "run-1")
		require.NoError(t, err)
		v2, err := reg.RegisterVersion(ctx, "churn", "run-2")
		require.NoError(t, err)

		got, err := reg.ListVersions(ctx, repo.VersionFilter{ModelName: "churn", RunID: "run-2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, v2.Version, got[0].Version)

		all, err := reg.ListVersions(ctx, repo.VersionFilter{ModelName: "churn"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Less(t, all[0].Version, all[1].Version)
	})

	t.Run("ConcurrentPromotionsHaveOneWinner", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry(t)
		const contenders = 8
		versions := make([]int64, contenders)
		for i := range versions {
			v, err := reg.RegisterVersion(ctx, "churn", "run-"+string(rune('a'+i)))
			require.NoError(t, err)
			versions[i] = v.Version
		}

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for _, version := range versions {
			wg.Add(1)
			go func(version int64) {
				defer wg.Done()
				_, err := reg.Transition(ctx, repo.Transition{ModelName: "churn", Promote: version})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, domain.ErrConcurrentModification):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(version)
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, contenders-1, conflicts)
		prod, err := reg.ListVersions(ctx, repo.VersionFilter{ModelName: "churn", Stage: domain.StageProduction})
		require.NoError(t, err)
		assert.Len(t, prod, 1)
	})
}
