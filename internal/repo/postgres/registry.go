package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

const versionColumns = `model_name, version, stage, run_id, created_at, updated_at, last_production_at`

type Registry struct {
	db  DB
	now func() time.Time
}

func NewRegistry(db DB) *Registry {
	if db == nil {
		return nil
	}
	return &Registry{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type versionRow struct {
	ModelName        string     `db:"model_name"`
	Version          int64      `db:"version"`
	Stage            string     `db:"stage"`
	RunID            string     `db:"run_id"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	LastProductionAt *time.Time `db:"last_production_at"`
}

func (r versionRow) toDomain() domain.ModelVersion {
	return domain.ModelVersion{
		ModelName:        r.ModelName,
		Version:          r.Version,
		Stage:            domain.Stage(r.Stage),
		RunID:            r.RunID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastProductionAt: r.LastProductionAt,
	}
}

func (s *Registry) GetProduction(ctx context.Context, modelName string) (domain.ModelVersion, error) {
	if s == nil || s.db == nil {
		return domain.ModelVersion{}, fmt.Errorf("registry not initialized")
	}
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return domain.ModelVersion{}, fmt.Errorf("model name is required")
	}
	var row versionRow
	err := pgxscan.Get(ctx, s.db, &row,
		`SELECT `+versionColumns+` FROM model_versions WHERE model_name = $1 AND stage = 'Production'`,
		modelName,
	)
	if err != nil {
		return domain.ModelVersion{}, handleNotFound(err, modelName+" production version")
	}
	return row.toDomain(), nil
}

func (s *Registry) ListVersions(ctx context.Context, filter repo.VersionFilter) ([]domain.ModelVersion, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry not initialized")
	}
	modelName := strings.TrimSpace(filter.ModelName)
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}

	clauses := []string{"model_name = $1"}
	args := []any{modelName}
	if filter.Stage != "" {
		if !filter.Stage.Valid() {
			return nil, fmt.Errorf("invalid stage %q", filter.Stage)
		}
		args = append(args, string(filter.Stage))
		clauses = append(clauses, fmt.Sprintf("stage = $%d", len(args)))
	}
	if runID := strings.TrimSpace(filter.RunID); runID != "" {
		args = append(args, runID)
		clauses = append(clauses, fmt.Sprintf("run_id = $%d", len(args)))
	}
	query := `SELECT ` + versionColumns + ` FROM model_versions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY version ASC`
	args, limit := limitClause(args, filter.Limit)

	var rows []versionRow
	if err := pgxscan.Select(ctx, s.db, &rows, query+limit, args...); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	out := make([]domain.ModelVersion, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// RegisterVersion assigns max(version)+1 under a per-model advisory lock.
func (s *Registry) RegisterVersion(ctx context.Context, modelName, runID string) (domain.ModelVersion, error) {
	if s == nil || s.db == nil {
		return domain.ModelVersion{}, fmt.Errorf("registry not initialized")
	}
	modelName = strings.TrimSpace(modelName)
	runID = strings.TrimSpace(runID)
	if modelName == "" {
		return domain.ModelVersion{}, fmt.Errorf("model name is required")
	}
	if runID == "" {
		return domain.ModelVersion{}, fmt.Errorf("run id is required")
	}

	var version domain.ModelVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, modelName); err != nil {
			return fmt.Errorf("lock model: %w", err)
		}
		var row versionRow
		err := pgxscan.Get(ctx, tx, &row,
			`INSERT INTO model_versions (model_name, version, stage, run_id, created_at, updated_at)
			 SELECT $1, COALESCE(MAX(version), 0) + 1, 'None', $2, $3, $3 FROM model_versions WHERE model_name = $1
			 RETURNING `+versionColumns,
			modelName, runID, s.now(),
		)
		if err != nil {
			return fmt.Errorf("insert model version: %w", err)
		}
		version = row.toDomain()
		return nil
	})
	return version, err
}

func (s *Registry) Transition(ctx context.Context, t repo.Transition) (domain.ModelVersion, error) {
	if s == nil || s.db == nil {
		return domain.ModelVersion{}, fmt.Errorf("registry not initialized")
	}
	t.ModelName = strings.TrimSpace(t.ModelName)
	if err := t.Validate(); err != nil {
		return domain.ModelVersion{}, err
	}

	var promoted domain.ModelVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT version FROM model_versions WHERE model_name = $1 AND stage = 'Production' FOR UPDATE`,
			t.ModelName,
		).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read production version: %w", err)
		}
		if err := t.CheckExpected(current); err != nil {
			return err
		}

		var stage string
		err = tx.QueryRow(ctx,
			`SELECT stage FROM model_versions WHERE model_name = $1 AND version = $2 FOR UPDATE`,
			t.ModelName, t.Promote,
		).Scan(&stage)
		if err != nil {
			return handleNotFound(err, fmt.Sprintf("%s/v%d", t.ModelName, t.Promote))
		}
		if err := domain.ValidateTransition(domain.Stage(stage), domain.StageProduction); err != nil {
			return err
		}

		now := s.now()
		if current > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE model_versions SET stage = $3, updated_at = $4 WHERE model_name = $1 AND version = $2`,
				t.ModelName, current, string(t.DemoteStage()), now,
			); err != nil {
				return fmt.Errorf("demote v%d: %w", current, err)
			}
		}

		var row versionRow
		if err := pgxscan.Get(ctx, tx, &row,
			`UPDATE model_versions SET stage = 'Production', updated_at = $3, last_production_at = $3
			 WHERE model_name = $1 AND version = $2
			 RETURNING `+versionColumns,
			t.ModelName, t.Promote, now,
		); err != nil {
			return fmt.Errorf("promote v%d: %w", t.Promote, err)
		}
		promoted = row.toDomain()
		return nil
	})
	if err != nil {
		return domain.ModelVersion{}, err
	}
	return promoted, nil
}

// inTx maps unique violations, which only the one-Production index can raise
// during a transition, to ErrConcurrentModification.
func (s *Registry) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrConcurrentModification, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrConcurrentModification, err)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
