package verdictsink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

// ObjectPutter is satisfied by objectstore.Archive.
type ObjectPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Archive stores each verdict as its own object under
// <model>/<yyyy>/<mm>/<dd>/<created_at>-<id>.json.
type Archive struct {
	objects ObjectPutter
}

func NewArchive(objects ObjectPutter) *Archive {
	return &Archive{objects: objects}
}

func ArchiveKey(v domain.Verdict) string {
	t := v.CreatedAt.UTC()
	return fmt.Sprintf("%s/%s/%s-%s.json",
		url.PathEscape(v.ModelName),
		t.Format("2006/01/02"),
		t.Format("20060102T150405.000000000Z"),
		url.PathEscape(v.ID),
	)
}

func (a *Archive) Publish(ctx context.Context, v domain.Verdict) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	return a.objects.Put(ctx, ArchiveKey(v), body, "application/json")
}
