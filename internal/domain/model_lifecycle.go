package domain

import "fmt"

// Archived -> Production is only reached through a rollback, and the registries
// accept it because the decision engines decide which archived version qualifies.
var stageTransitions = map[Stage][]Stage{
	StageNone:       {StageStaging, StageProduction, StageArchived},
	StageStaging:    {StageProduction, StageArchived},
	StageProduction: {StageArchived},
	StageArchived:   {StageProduction},
}

// CanTransition returns true when a transition is allowed.
func CanTransition(from, to Stage) bool {
	allowed, ok := stageTransitions[from]
	if !ok {
		return false
	}
	for _, candidate := range allowed {
		if candidate == to {
			return true
		}
	}
	return false
}

// ValidateTransition ensures a stage transition is valid.
func ValidateTransition(from, to Stage) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid stage transition %q -> %q", from, to)
	}
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("stage transition %q -> %q not allowed", from, to)
	}
	return nil
}
