package repo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

func (t Transition) Validate() error {
	if strings.TrimSpace(t.ModelName) == "" {
		return errors.New("model name is required")
	}
	if t.Promote <= 0 {
		return errors.New("promote version is required")
	}
	if t.ExpectedProduction < 0 {
		return errors.New("expected production version must be >= 0")
	}
	if t.ExpectedProduction == t.Promote {
		return fmt.Errorf("version %d is already the expected production version", t.Promote)
	}
	if t.DemoteTo == "" {
		return nil
	}
	if !domain.CanTransition(domain.StageProduction, t.DemoteTo) {
		return fmt.Errorf("cannot demote production to %q", t.DemoteTo)
	}
	return nil
}

// DemoteStage is the stage the displaced Production version moves to.
func (t Transition) DemoteStage() domain.Stage {
	if t.DemoteTo == "" {
		return domain.StageArchived
	}
	return t.DemoteTo
}

// CheckExpected compares the observed Production version (0 for none) with
// the one the caller decided against.
func (t Transition) CheckExpected(current int64) error {
	if current != t.ExpectedProduction {
		return fmt.Errorf("%w: %s production is v%d, expected v%d",
			domain.ErrConcurrentModification, t.ModelName, current, t.ExpectedProduction)
	}
	return nil
}

// ClampLimit bounds list sizes.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
