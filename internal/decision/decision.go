// Package decision holds the promotion gate and the rollback engine. Both are
// stateless; the registry's compare-and-swap transition is the only point where
// concurrent invocations meet.
package decision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

// Sink receives every verdict before the engine returns it.
type Sink interface {
	Publish(ctx context.Context, verdict domain.Verdict) error
}

type SinkFunc func(ctx context.Context, verdict domain.Verdict) error

func (f SinkFunc) Publish(ctx context.Context, verdict domain.Verdict) error {
	return f(ctx, verdict)
}

// Discard drops verdicts.
var Discard Sink = SinkFunc(func(context.Context, domain.Verdict) error { return nil })

type clock struct {
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func newClock(now func() time.Time, newID func() string, logger *slog.Logger) clock {
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return clock{now: now, newID: newID, logger: logger}
}

func (c clock) stamp(v domain.Verdict) domain.Verdict {
	v.ID = c.newID()
	v.CreatedAt = c.now().UTC()
	return v
}

func publish(ctx context.Context, sink Sink, verdict domain.Verdict) error {
	if err := sink.Publish(ctx, verdict); err != nil {
		return errors.Join(errPublish, err)
	}
	return nil
}

var errPublish = errors.New("publish verdict")

// IsPublishError reports whether err came from the verdict sink rather than
// from the decision itself.
func IsPublishError(err error) bool {
	return errors.Is(err, errPublish)
}
