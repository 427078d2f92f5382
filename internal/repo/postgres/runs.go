package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

type runRow struct {
	RunID     string    `db:"run_id"`
	Status    string    `db:"status"`
	Metrics   []byte    `db:"metrics"`
	Artifacts []byte    `db:"artifacts"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *RunStore) GetRunMetrics(ctx context.Context, runID string) (domain.RunMetrics, error) {
	if s == nil || s.db == nil {
		return domain.RunMetrics{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunMetrics{}, fmt.Errorf("run id is required")
	}

	var row runRow
	err := pgxscan.Get(ctx, s.db, &row,
		`SELECT run_id, status, metrics, artifacts, created_at FROM run_metrics WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return domain.RunMetrics{}, handleNotFound(err, "run "+runID)
	}

	run := domain.RunMetrics{RunID: row.RunID, Status: row.Status, CreatedAt: row.CreatedAt}
	if len(row.Metrics) > 0 {
		if err := json.Unmarshal(row.Metrics, &run.Metrics); err != nil {
			return domain.RunMetrics{}, fmt.Errorf("decode metrics: %w", err)
		}
	}
	if len(row.Artifacts) > 0 {
		if err := json.Unmarshal(row.Artifacts, &run.Artifacts); err != nil {
			return domain.RunMetrics{}, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return run, nil
}

// PutRunMetrics upserts a run snapshot reported by the training pipeline.
func (s *RunStore) PutRunMetrics(ctx context.Context, run domain.RunMetrics) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	metrics := run.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	artifacts := run.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	status := strings.ToUpper(strings.TrimSpace(run.Status))
	if status == "" {
		status = domain.RunStatusFinished
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO run_metrics (run_id, status, metrics, artifacts, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (run_id) DO UPDATE SET status = EXCLUDED.status, metrics = EXCLUDED.metrics, artifacts = EXCLUDED.artifacts`,
		strings.TrimSpace(run.RunID),
		status,
		metricsJSON,
		artifactsJSON,
		normalizeTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run metrics: %w", err)
	}
	return nil
}
