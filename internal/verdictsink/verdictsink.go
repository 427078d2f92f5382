// Package verdictsink fans a verdict out to every configured destination:
// the audit store, the NDJSON audit file, the object store archive, the
// Prometheus counters and the deployment trigger.
package verdictsink

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/animus-gatekeeper/internal/decision"
	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/metrics"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

// Named pairs a sink with the label used in errors and logs. Required marks
// the record of a verdict; Acts marks a sink that acts on it.
type Named struct {
	Name     string
	Sink     decision.Sink
	Required bool
	Acts     bool
}

// ErrNotRecorded is joined into the publish error for every acting sink that
// was skipped because a required sink failed.
var ErrNotRecorded = errors.New("verdict not recorded")

// Multi publishes to every sink in order. A failing sink does not stop the
// remaining ones and all failures are joined, except that once a required
// sink has failed no acting sink runs.
type Multi []Named

func (m Multi) Publish(ctx context.Context, v domain.Verdict) error {
	var (
		errs       []error
		unrecorded bool
	)
	for _, s := range m {
		if s.Sink == nil {
			continue
		}
		if s.Acts && unrecorded {
			errs = append(errs, fmt.Errorf("%s: skipped: %w", s.Name, ErrNotRecorded))
			continue
		}
		if err := s.Sink.Publish(ctx, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			if s.Required {
				unrecorded = true
			}
		}
	}
	return errors.Join(errs...)
}

// Store appends verdicts to the audit trail.
func Store(store repo.VerdictStore) decision.Sink {
	return decision.SinkFunc(func(ctx context.Context, v domain.Verdict) error {
		return store.AppendVerdict(ctx, v)
	})
}

func Metrics(m *metrics.Metrics) decision.Sink {
	return decision.SinkFunc(func(_ context.Context, v domain.Verdict) error {
		m.ObserveVerdict(v)
		return nil
	})
}
