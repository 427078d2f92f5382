package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/auditlog"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/metrics"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
	"github.com/animus-labs/animus-gatekeeper/internal/repo/memory"
	"github.com/animus-labs/animus-gatekeeper/internal/verdictsink"
)

const policyYAML = `schema: gatekeeper.threshold_policy.v1
rules:
  - id: accuracy-floor
    metric: accuracy
    kind: greater_or_equal
    bound: 0.9
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestConfigValidate(t *testing.T) {
	ok := Config{RegistryBackend: BackendBadger, RunsBackend: BackendMLflow}
	require.NoError(t, ok.Validate())
	assert.False(t, ok.needsPostgres())

	bad := []Config{
		{RegistryBackend: "sqlite", RunsBackend: BackendPostgres},
		{RegistryBackend: BackendPostgres, RunsBackend: "s3"},
		{RegistryBackend: BackendPostgres, RunsBackend: BackendPostgres, Epsilon: -1},
	}
	for i, cfg := range bad {
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("GATEKEEPER_REGISTRY_BACKEND", " Badger ")
	t.Setenv("GATEKEEPER_RUNS_BACKEND", "mlflow")
	t.Setenv("GATEKEEPER_EPSILON", "1e-6")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, cfg.RegistryBackend)
	assert.Equal(t, 1e-6, cfg.Epsilon)
	assert.True(t, cfg.MigrateOnStart)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	pol, err := LoadPolicy(path, 0)
	require.NoError(t, err)
	assert.Len(t, pol.Rules(), 1)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"), 0)
	assert.Error(t, err)
}

func TestOpenBadgerWithMLflow(t *testing.T) {
	mlflowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer mlflowSrv.Close()

	t.Setenv("GATEKEEPER_BADGER_PATH", t.TempDir())
	t.Setenv("MLFLOW_TRACKING_URI", mlflowSrv.URL)

	b, err := Open(context.Background(), Config{RegistryBackend: BackendBadger, RunsBackend: BackendMLflow}, discardLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.Pool)
	require.NotNil(t, b.Badger)
	require.Len(t, b.Checks, 2)
	for _, c := range b.Checks {
		assert.NoError(t, c.Check(context.Background()), c.Name)
	}

	v, err := b.Registry.RegisterVersion(context.Background(), "churn", "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Version)

	require.NoError(t, b.Audit(context.Background(), auditlog.Event{Action: "alert.reject"}))
	require.NoError(t, b.Close())
	assert.Error(t, b.Badger.Ping(context.Background()))
}

func TestOpenSinksDefaults(t *testing.T) {
	t.Setenv("AUDIT_FILE_DIR", "")
	t.Setenv("DEPLOY_TRIGGER_URL", "")

	store := memory.New()
	sinks, err := OpenSinks(context.Background(), Config{}, &Backends{Verdicts: store}, metrics.New(), discardLogger())
	require.NoError(t, err)
	defer sinks.Close()
	assert.Equal(t, []string{"store", "metrics"}, sinks.Names())

	v := domain.Verdict{ID: "v1", Kind: domain.VerdictPromote, ModelName: "churn", CreatedAt: time.Now(), Version: 1}
	require.NoError(t, sinks.Publish(context.Background(), v))
	got, err := store.ListVerdicts(context.Background(), repo.VerdictFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpenSinksWithFileAndTrigger(t *testing.T) {
	var hits int
	trigger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer trigger.Close()

	dir := t.TempDir()
	t.Setenv("AUDIT_FILE_DIR", dir)
	t.Setenv("DEPLOY_TRIGGER_URL", trigger.URL)

	sinks, err := OpenSinks(context.Background(), Config{}, &Backends{Verdicts: memory.New()}, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"store", "file", "deploy_trigger"}, sinks.Names())

	reject := domain.Verdict{ID: "r1", Kind: domain.VerdictReject, ModelName: "churn", CreatedAt: time.Now(), Reasons: []string{"x"}}
	rollback := domain.Verdict{ID: "b1", Kind: domain.VerdictRollback, ModelName: "churn", CreatedAt: time.Now(), FromVersion: 2, ToVersion: 1, Trigger: "alert"}
	require.NoError(t, sinks.Publish(context.Background(), reject))
	require.NoError(t, sinks.Publish(context.Background(), rollback))
	require.NoError(t, sinks.Close())

	assert.Equal(t, 1, hits)
	raw, err := os.ReadFile(filepath.Join(dir, "verdicts.ndjson"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"verdict_id":"r1"`)
	assert.Contains(t, string(raw), `"verdict_id":"b1"`)
}

type unavailableVerdicts struct{}

func (unavailableVerdicts) AppendVerdict(context.Context, domain.Verdict) error {
	return errors.New("connection refused")
}

func (unavailableVerdicts) ListVerdicts(context.Context, repo.VerdictFilter) ([]domain.Verdict, error) {
	return nil, errors.New("connection refused")
}

func TestOpenSinksSkipsTriggerWhenStoreFails(t *testing.T) {
	var hits int
	trigger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer trigger.Close()

	t.Setenv("AUDIT_FILE_DIR", "")
	t.Setenv("DEPLOY_TRIGGER_URL", trigger.URL)
	t.Setenv("DEPLOY_TRIGGER_RETRY_MAX", "0")

	sinks, err := OpenSinks(context.Background(), Config{}, &Backends{Verdicts: unavailableVerdicts{}}, nil, discardLogger())
	require.NoError(t, err)
	defer sinks.Close()

	promote := domain.Verdict{ID: "p1", Kind: domain.VerdictPromote, ModelName: "churn", CreatedAt: time.Now(), Version: 2, ArchivedVersion: 1, CandidateRunID: "run-2"}
	err = sinks.Publish(context.Background(), promote)
	require.Error(t, err)
	assert.ErrorIs(t, err, verdictsink.ErrNotRecorded)
	assert.Zero(t, hits)
}
