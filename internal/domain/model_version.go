package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage is the registry lifecycle label of a model version.
type Stage string

const (
	StageNone       Stage = "None"
	StageStaging    Stage = "Staging"
	StageProduction Stage = "Production"
	StageArchived   Stage = "Archived"
)

// ModelVersion is one registered artifact of a named model.
type ModelVersion struct {
	ModelName        string
	Version          int64
	Stage            Stage
	RunID            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastProductionAt *time.Time
}

// ServedProduction reports whether the version was ever validated in production.
func (v ModelVersion) ServedProduction() bool {
	return v.LastProductionAt != nil
}

func (v ModelVersion) Validate() error {
	if strings.TrimSpace(v.ModelName) == "" {
		return errors.New("model name is required")
	}
	if v.Version <= 0 {
		return errors.New("version must be positive")
	}
	if strings.TrimSpace(v.RunID) == "" {
		return errors.New("run id is required")
	}
	if !v.Stage.Valid() {
		return fmt.Errorf("invalid stage %q", v.Stage)
	}
	return nil
}

func (v ModelVersion) String() string {
	return fmt.Sprintf("%s/v%d", v.ModelName, v.Version)
}

func (s Stage) Valid() bool {
	switch s {
	case StageNone, StageStaging, StageProduction, StageArchived:
		return true
	default:
		return false
	}
}

// ParseStage accepts any casing of the four stage names.
func ParseStage(raw string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "":
		return StageNone, nil
	case "staging":
		return StageStaging, nil
	case "production":
		return StageProduction, nil
	case "archived":
		return StageArchived, nil
	default:
		return "", fmt.Errorf("unknown stage %q", raw)
	}
}
