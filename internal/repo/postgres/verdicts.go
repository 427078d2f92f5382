package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

type VerdictStore struct {
	db DB
}

func NewVerdictStore(db DB) *VerdictStore {
	if db == nil {
		return nil
	}
	return &VerdictStore{db: db}
}

func (s *VerdictStore) AppendVerdict(ctx context.Context, verdict domain.Verdict) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("verdict store not initialized")
	}
	if err := verdict.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO verdicts (verdict_id, kind, model_name, created_at, payload) VALUES ($1,$2,$3,$4,$5)`,
		strings.TrimSpace(verdict.ID),
		string(verdict.Kind),
		strings.TrimSpace(verdict.ModelName),
		verdict.CreatedAt.UTC(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

func (s *VerdictStore) ListVerdicts(ctx context.Context, filter repo.VerdictFilter) ([]domain.Verdict, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("verdict store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if name := strings.TrimSpace(filter.ModelName); name != "" {
		args = append(args, name)
		clauses = append(clauses, fmt.Sprintf("model_name = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}

	query := `SELECT payload FROM verdicts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, verdict_id DESC"
	args, limit := limitClause(args, filter.Limit)

	var rows []struct {
		Payload []byte `db:"payload"`
	}
	if err := pgxscan.Select(ctx, s.db, &rows, query+limit, args...); err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	out := make([]domain.Verdict, 0, len(rows))
	for _, row := range rows {
		var v domain.Verdict
		if err := json.Unmarshal(row.Payload, &v); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
