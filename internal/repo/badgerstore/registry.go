package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

// Key layout:
//
//	mv/<model>/<version, 20 digits>  JSON versionRecord
//	seq/<model>                      last assigned version
//	prod/<model>                     current Production version
//
// Model names are path-escaped so a "/" in a name cannot alias another model.
const registerAttempts = 5

type versionRecord struct {
	ModelName        string       `json:"model_name"`
	Version          int64        `json:"version"`
	Stage            domain.Stage `json:"stage"`
	RunID            string       `json:"run_id"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	LastProductionAt *time.Time   `json:"last_production_at,omitempty"`
}

func versionKey(model string, version int64) []byte {
	return []byte(fmt.Sprintf("mv/%s/%020d", url.PathEscape(model), version))
}

func versionPrefix(model string) []byte {
	return []byte("mv/" + url.PathEscape(model) + "/")
}

func seqKey(model string) []byte  { return []byte("seq/" + url.PathEscape(model)) }
func prodKey(model string) []byte { return []byte("prod/" + url.PathEscape(model)) }

func (s *Store) GetProduction(_ context.Context, modelName string) (domain.ModelVersion, error) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return domain.ModelVersion{}, fmt.Errorf("model name is required")
	}
	var out domain.ModelVersion
	err := s.db.View(func(txn *badger.Txn) error {
		current, err := readInt(txn, prodKey(modelName))
		if err != nil {
			return err
		}
		if current == 0 {
			return fmt.Errorf("%s production version: %w", modelName, domain.ErrNotFound)
		}
		out, err = readVersion(txn, modelName, current)
		return err
	})
	return out, err
}

func (s *Store) ListVersions(_ context.Context, filter repo.VersionFilter) ([]domain.ModelVersion, error) {
	modelName := strings.TrimSpace(filter.ModelName)
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	runID := strings.TrimSpace(filter.RunID)
	out := make([]domain.ModelVersion, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := versionPrefix(modelName)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 32, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec versionRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if filter.Stage != "" && rec.Stage != filter.Stage {
				continue
			}
			if runID != "" && rec.RunID != runID {
				continue
			}
			out = append(out, rec.toDomain())
			if filter.Limit > 0 && len(out) == filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return out, nil
}

// RegisterVersion retries on transaction conflicts; unlike Transition there
// is no caller expectation that a concurrent write could invalidate.
func (s *Store) RegisterVersion(_ context.Context, modelName, runID string) (domain.ModelVersion, error) {
	modelName = strings.TrimSpace(modelName)
	runID = strings.TrimSpace(runID)
	if modelName == "" {
		return domain.ModelVersion{}, fmt.Errorf("model name is required")
	}
	if runID == "" {
		return domain.ModelVersion{}, fmt.Errorf("run id is required")
	}

	var out domain.ModelVersion
	var err error
	for attempt := 0; attempt < registerAttempts; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			last, err := readInt(txn, seqKey(modelName))
			if err != nil {
				return err
			}
			now := s.now()
			rec := versionRecord{
				ModelName: modelName,
				Version:   last + 1,
				Stage:     domain.StageNone,
				RunID:     runID,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := writeVersion(txn, rec); err != nil {
				return err
			}
			if err := txn.Set(seqKey(modelName), []byte(strconv.FormatInt(rec.Version, 10))); err != nil {
				return err
			}
			out = rec.toDomain()
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return domain.ModelVersion{}, fmt.Errorf("register version: %w", err)
	}
	return out, nil
}

func (s *Store) Transition(_ context.Context, t repo.Transition) (domain.ModelVersion, error) {
	t.ModelName = strings.TrimSpace(t.ModelName)
	if err := t.Validate(); err != nil {
		return domain.ModelVersion{}, err
	}

	var promoted domain.ModelVersion
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readInt(txn, prodKey(t.ModelName))
		if err != nil {
			return err
		}
		if err := t.CheckExpected(current); err != nil {
			return err
		}
		target, err := readRecord(txn, t.ModelName, t.Promote)
		if err != nil {
			return err
		}
		if err := domain.ValidateTransition(target.Stage, domain.StageProduction); err != nil {
			return err
		}

		now := s.now()
		if current > 0 {
			prev, err := readRecord(txn, t.ModelName, current)
			if err != nil {
				return err
			}
			prev.Stage = t.DemoteStage()
			prev.UpdatedAt = now
			if err := writeVersion(txn, prev); err != nil {
				return err
			}
		}
		served := now
		target.Stage = domain.StageProduction
		target.UpdatedAt = now
		target.LastProductionAt = &served
		if err := writeVersion(txn, target); err != nil {
			return err
		}
		if err := txn.Set(prodKey(t.ModelName), []byte(strconv.FormatInt(target.Version, 10))); err != nil {
			return err
		}
		promoted = target.toDomain()
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return domain.ModelVersion{}, fmt.Errorf("%w: %s transition conflicted", domain.ErrConcurrentModification, t.ModelName)
	}
	if err != nil {
		return domain.ModelVersion{}, err
	}
	return promoted, nil
}

// SeedVersions writes versions as-is and keeps the sequence and production
// pointers consistent. It exists for imports and fixtures.
func (s *Store) SeedVersions(_ context.Context, versions ...domain.ModelVersion) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, v := range versions {
			if err := v.Validate(); err != nil {
				return err
			}
			if err := writeVersion(txn, recordFromDomain(v)); err != nil {
				return err
			}
			last, err := readInt(txn, seqKey(v.ModelName))
			if err != nil {
				return err
			}
			if v.Version > last {
				if err := txn.Set(seqKey(v.ModelName), []byte(strconv.FormatInt(v.Version, 10))); err != nil {
					return err
				}
			}
			if v.Stage == domain.StageProduction {
				if err := txn.Set(prodKey(v.ModelName), []byte(strconv.FormatInt(v.Version, 10))); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func readInt(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var out int64
	err = item.Value(func(val []byte) error {
		n, err := strconv.ParseInt(string(val), 10, 64)
		out = n
		return err
	})
	return out, err
}

func readRecord(txn *badger.Txn, model string, version int64) (versionRecord, error) {
	item, err := txn.Get(versionKey(model, version))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return versionRecord{}, fmt.Errorf("%s/v%d: %w", model, version, domain.ErrNotFound)
	}
	if err != nil {
		return versionRecord{}, err
	}
	var rec versionRecord
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	return rec, err
}

func readVersion(txn *badger.Txn, model string, version int64) (domain.ModelVersion, error) {
	rec, err := readRecord(txn, model, version)
	if err != nil {
		return domain.ModelVersion{}, err
	}
	return rec.toDomain(), nil
}

func writeVersion(txn *badger.Txn, rec versionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}
	return txn.Set(versionKey(rec.ModelName, rec.Version), raw)
}

func recordFromDomain(v domain.ModelVersion) versionRecord {
	rec := versionRecord{
		ModelName: v.ModelName,
		Version:   v.Version,
		Stage:     v.Stage,
		RunID:     v.RunID,
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}
	if v.LastProductionAt != nil {
		served := *v.LastProductionAt
		rec.LastProductionAt = &served
	}
	return rec
}

func (r versionRecord) toDomain() domain.ModelVersion {
	v := domain.ModelVersion{
		ModelName: r.ModelName,
		Version:   r.Version,
		Stage:     r.Stage,
		RunID:     r.RunID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.LastProductionAt != nil {
		served := *r.LastProductionAt
		v.LastProductionAt = &served
	}
	return v
}
