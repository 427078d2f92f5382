package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

var verdictPrefix = []byte("verdict/")

// verdict/<created_at unix nanos, 20 digits>/<id> keeps keys in time order.
func verdictKey(v domain.Verdict) []byte {
	return []byte(fmt.Sprintf("verdict/%020d/%s", v.CreatedAt.UnixNano(), v.ID))
}

func (s *Store) AppendVerdict(_ context.Context, verdict domain.Verdict) error {
	if err := verdict.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(verdictKey(verdict), raw)
	})
}

// ListVerdicts returns newest first.
func (s *Store) ListVerdicts(_ context.Context, filter repo.VerdictFilter) ([]domain.Verdict, error) {
	name := strings.TrimSpace(filter.ModelName)
	out := make([]domain.Verdict, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 32, Reverse: true, Prefix: verdictPrefix})
		defer it.Close()
		seek := append(append([]byte{}, verdictPrefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(verdictPrefix); it.Next() {
			var v domain.Verdict
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if name != "" && v.ModelName != name {
				continue
			}
			if filter.Kind != "" && v.Kind != filter.Kind {
				continue
			}
			out = append(out, v)
			if filter.Limit > 0 && len(out) == filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	return out, nil
}
