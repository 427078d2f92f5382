package policy

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "gatekeeper.threshold_policy.v1"

// Rule kinds. The set is closed; every kind has exactly one branch in evaluateRule.
const (
	KindGreaterOrEqual        = "greater_or_equal"
	KindLessOrEqual           = "less_or_equal"
	KindGreaterThanBaselineBy = "greater_than_baseline_by"
	KindNoWorseThanBaselineBy = "no_worse_than_baseline_by"
)

const (
	DirectionHigherIsBetter = "higher_is_better"
	DirectionLowerIsBetter  = "lower_is_better"
)

const DefaultEpsilon = 1e-9

type Spec struct {
	Schema string `json:"schema" yaml:"schema"`
	Rules  []Rule `json:"rules" yaml:"rules"`
}

type Rule struct {
	ID          string  `json:"id,omitempty" yaml:"id,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Metric      string  `json:"metric" yaml:"metric"`
	Kind        string  `json:"kind" yaml:"kind"`
	Bound       float64 `json:"bound" yaml:"bound"`
	Direction   string  `json:"direction,omitempty" yaml:"direction,omitempty"`
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	spec = spec.normalized()
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func LoadFile(path string) (Spec, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Spec{}, errors.New("policy path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read policy: %w", err)
	}
	return ParseSpec(raw)
}

// RuleID is the rule's explicit id, or kind:metric when none was given.
func (r Rule) RuleID() string {
	if id := strings.TrimSpace(r.ID); id != "" {
		return id
	}
	return normalizeKind(r.Kind) + ":" + strings.TrimSpace(r.Metric)
}

func (r Rule) baselineRelative() bool {
	switch normalizeKind(r.Kind) {
	case KindGreaterThanBaselineBy, KindNoWorseThanBaselineBy:
		return true
	default:
		return false
	}
}

func (r Rule) lowerIsBetter() bool {
	return normalizeDirection(r.Direction) == DirectionLowerIsBetter
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if len(s.Rules) == 0 {
		return errors.New("spec.rules must be non-empty")
	}

	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		if strings.TrimSpace(rule.Metric) == "" {
			return fmt.Errorf("spec.rules[%d].metric is required", i)
		}
		kind := normalizeKind(rule.Kind)
		if kind == "" {
			return fmt.Errorf("spec.rules[%d].kind is required", i)
		}
		if !isKindAllowed(kind) {
			return fmt.Errorf("spec.rules[%d].kind unsupported: %q", i, rule.Kind)
		}
		id := rule.RuleID()
		if _, ok := seen[id]; ok {
			return fmt.Errorf("spec.rules[%d].id must be unique (duplicate %q)", i, id)
		}
		seen[id] = struct{}{}

		if math.IsNaN(rule.Bound) || math.IsInf(rule.Bound, 0) {
			return fmt.Errorf("spec.rules[%d].bound must be finite", i)
		}
		if rule.baselineRelative() && rule.Bound < 0 {
			return fmt.Errorf("spec.rules[%d].bound must be >= 0 for %s", i, kind)
		}

		direction := strings.TrimSpace(rule.Direction)
		if direction != "" && normalizeDirection(direction) == "" {
			return fmt.Errorf("spec.rules[%d].direction unsupported: %q", i, rule.Direction)
		}
		if direction != "" && !rule.baselineRelative() {
			return fmt.Errorf("spec.rules[%d].direction only applies to baseline rules", i)
		}
	}
	return nil
}

func (s Spec) normalized() Spec {
	out := Spec{Schema: strings.TrimSpace(s.Schema), Rules: make([]Rule, 0, len(s.Rules))}
	for _, rule := range s.Rules {
		rule.ID = strings.TrimSpace(rule.ID)
		rule.Metric = strings.TrimSpace(rule.Metric)
		rule.Kind = normalizeKind(rule.Kind)
		rule.Description = strings.TrimSpace(rule.Description)
		if strings.TrimSpace(rule.Direction) != "" {
			if d := normalizeDirection(rule.Direction); d != "" {
				rule.Direction = d
			}
		}
		out.Rules = append(out.Rules, rule)
	}
	return out
}

func isKindAllowed(kind string) bool {
	switch normalizeKind(kind) {
	case KindGreaterOrEqual, KindLessOrEqual, KindGreaterThanBaselineBy, KindNoWorseThanBaselineBy:
		return true
	default:
		return false
	}
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func normalizeDirection(direction string) string {
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "", DirectionHigherIsBetter, "higher":
		return DirectionHigherIsBetter
	case DirectionLowerIsBetter, "lower":
		return DirectionLowerIsBetter
	default:
		return ""
	}
}
