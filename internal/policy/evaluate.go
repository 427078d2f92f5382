package policy

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

// Result statuses. Vacuous marks a baseline rule satisfied only because no
// baseline exists, and counts as passing.
const (
	StatusPass    = "pass"
	StatusFail    = "fail"
	StatusVacuous = "vacuous"
)

const (
	ReasonMetricMissing         = "metric missing"
	ReasonBaselineMetricMissing = "baseline metric missing"
	ReasonNoBaseline            = "no baseline"
)

// Policy is a validated rule set bound to a comparison epsilon. It is immutable
// and safe for concurrent use.
type Policy struct {
	rules   []Rule
	epsilon float64
}

func New(spec Spec, epsilon float64) (*Policy, error) {
	spec = spec.normalized()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(epsilon) || math.IsInf(epsilon, 0) || epsilon < 0 {
		return nil, errors.New("epsilon must be a finite value >= 0")
	}
	rules := make([]Rule, len(spec.Rules))
	copy(rules, spec.Rules)
	return &Policy{rules: rules, epsilon: epsilon}, nil
}

func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

func (p *Policy) Epsilon() float64 { return p.epsilon }

type RuleResult struct {
	RuleID      string   `json:"rule_id"`
	Description string   `json:"description,omitempty"`
	Metric      string   `json:"metric"`
	Kind        string   `json:"kind"`
	Direction   string   `json:"direction,omitempty"`
	Bound       float64  `json:"bound"`
	Status      string   `json:"status"`
	Candidate   *float64 `json:"candidate_value,omitempty"`
	Baseline    *float64 `json:"baseline_value,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

type Summary struct {
	RulesTotal   int `json:"rules_total"`
	RulesPass    int `json:"rules_pass"`
	RulesVacuous int `json:"rules_vacuous"`
	RulesFail    int `json:"rules_fail"`
}

type Evaluation struct {
	Passed         bool         `json:"passed"`
	CandidateRunID string       `json:"candidate_run_id"`
	BaselineRunID  string       `json:"baseline_run_id,omitempty"`
	Epsilon        float64      `json:"epsilon"`
	Summary        Summary      `json:"summary"`
	Results        []RuleResult `json:"results"`
}

// Failures returns the failing rules in policy order.
func (e Evaluation) Failures() []domain.RuleFailure {
	out := make([]domain.RuleFailure, 0, e.Summary.RulesFail)
	for _, r := range e.Results {
		if r.Status != StatusFail {
			continue
		}
		out = append(out, domain.RuleFailure{
			RuleID:    r.RuleID,
			Metric:    r.Metric,
			Kind:      r.Kind,
			Bound:     r.Bound,
			Candidate: r.Candidate,
			Baseline:  r.Baseline,
			Reason:    r.Reason,
		})
	}
	return out
}

// Evaluate runs every rule against candidate and the optional baseline. It
// never stops at the first failure.
func (p *Policy) Evaluate(candidate domain.RunMetrics, baseline *domain.RunMetrics) Evaluation {
	eval := Evaluation{
		CandidateRunID: candidate.RunID,
		Epsilon:        p.epsilon,
		Results:        make([]RuleResult, 0, len(p.rules)),
	}
	if baseline != nil {
		eval.BaselineRunID = baseline.RunID
	}

	for _, rule := range p.rules {
		result := p.evaluateRule(rule, candidate, baseline)
		eval.Results = append(eval.Results, result)
		switch result.Status {
		case StatusPass:
			eval.Summary.RulesPass++
		case StatusVacuous:
			eval.Summary.RulesVacuous++
		default:
			eval.Summary.RulesFail++
		}
	}
	eval.Summary.RulesTotal = len(eval.Results)
	eval.Passed = eval.Summary.RulesFail == 0
	return eval
}

func (p *Policy) evaluateRule(rule Rule, candidate domain.RunMetrics, baseline *domain.RunMetrics) RuleResult {
	kind := normalizeKind(rule.Kind)
	result := RuleResult{
		RuleID:      rule.RuleID(),
		Description: rule.Description,
		Metric:      rule.Metric,
		Kind:        kind,
		Bound:       rule.Bound,
	}
	if rule.baselineRelative() {
		result.Direction = normalizeDirection(rule.Direction)
	}

	value, ok := candidate.Metric(rule.Metric)
	if !ok {
		result.Status = StatusFail
		result.Reason = ReasonMetricMissing
		return result
	}
	result.Candidate = floatPtr(value)

	switch kind {
	case KindGreaterOrEqual:
		return p.atLeast(result, value, rule.Bound)

	case KindLessOrEqual:
		return p.atMost(result, value, rule.Bound)

	case KindGreaterThanBaselineBy, KindNoWorseThanBaselineBy:
		if baseline == nil {
			result.Status = StatusVacuous
			result.Reason = ReasonNoBaseline
			return result
		}
		base, ok := baseline.Metric(rule.Metric)
		if !ok {
			result.Status = StatusFail
			result.Reason = ReasonBaselineMetricMissing
			return result
		}
		result.Baseline = floatPtr(base)

		// greater_than_baseline_by demands an improvement of at least Bound,
		// no_worse_than_baseline_by tolerates a regression of at most Bound.
		delta := rule.Bound
		if kind == KindNoWorseThanBaselineBy {
			delta = -rule.Bound
		}
		if rule.lowerIsBetter() {
			return p.atMost(result, value, base-delta)
		}
		return p.atLeast(result, value, base+delta)

	default:
		result.Status = StatusFail
		result.Reason = fmt.Sprintf("unsupported rule kind %q", rule.Kind)
		return result
	}
}

func (p *Policy) atLeast(result RuleResult, value, threshold float64) RuleResult {
	result.Threshold = floatPtr(threshold)
	if value >= threshold-p.epsilon {
		result.Status = StatusPass
		return result
	}
	result.Status = StatusFail
	result.Reason = fmt.Sprintf("%s below threshold %s", formatFloat(value), formatFloat(threshold))
	return result
}

func (p *Policy) atMost(result RuleResult, value, threshold float64) RuleResult {
	result.Threshold = floatPtr(threshold)
	if value <= threshold+p.epsilon {
		result.Status = StatusPass
		return result
	}
	result.Status = StatusFail
	result.Reason = fmt.Sprintf("%s above threshold %s", formatFloat(value), formatFloat(threshold))
	return result
}

func floatPtr(v float64) *float64 { return &v }

func formatFloat(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
