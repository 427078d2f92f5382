package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// VerdictKind discriminates the three decision outcomes.
type VerdictKind string

const (
	VerdictPromote  VerdictKind = "promote"
	VerdictReject   VerdictKind = "reject"
	VerdictRollback VerdictKind = "rollback"
)

// Reject reasons that are not policy rule failures.
const (
	ReasonRunMetricsUnavailable    = "run metrics unavailable"
	ReasonAlreadyCurrentProduction = "already current production"
)

// RuleFailure describes one violated threshold rule.
type RuleFailure struct {
	RuleID    string   `json:"rule_id"`
	Metric    string   `json:"metric"`
	Kind      string   `json:"kind"`
	Bound     float64  `json:"bound"`
	Candidate *float64 `json:"candidate_value,omitempty"`
	Baseline  *float64 `json:"baseline_value,omitempty"`
	Reason    string   `json:"reason"`
}

func (f RuleFailure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(%s, %g): %s", f.Kind, f.Metric, f.Bound, f.Reason)
	if f.Candidate != nil {
		fmt.Fprintf(&b, " candidate=%g", *f.Candidate)
	}
	if f.Baseline != nil {
		fmt.Fprintf(&b, " baseline=%g", *f.Baseline)
	}
	return b.String()
}

// Verdict is the immutable record of one engine invocation. Consumers act on
// Promote and Rollback; Reject is terminal.
type Verdict struct {
	ID        string      `json:"verdict_id"`
	Kind      VerdictKind `json:"kind"`
	ModelName string      `json:"model_name"`
	CreatedAt time.Time   `json:"created_at"`

	// Promote
	Version int64 `json:"version,omitempty"`
	// Version that left Production because of a promotion, 0 for first deployments.
	ArchivedVersion int64 `json:"archived_version,omitempty"`

	// Gate inputs, set on Promote and Reject.
	CandidateRunID string `json:"candidate_run_id,omitempty"`
	BaselineRunID  string `json:"baseline_run_id,omitempty"`

	// Reject
	Reasons  []string      `json:"reasons,omitempty"`
	Failures []RuleFailure `json:"failures,omitempty"`

	// Rollback
	FromVersion int64  `json:"from_version,omitempty"`
	ToVersion   int64  `json:"to_version,omitempty"`
	Trigger     string `json:"trigger,omitempty"`
}

// Actionable reports whether the deployment layer must act on the verdict.
func (v Verdict) Actionable() bool {
	return v.Kind == VerdictPromote || v.Kind == VerdictRollback
}

func (v Verdict) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("verdict id is required")
	}
	if strings.TrimSpace(v.ModelName) == "" {
		return errors.New("model name is required")
	}
	if v.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	switch v.Kind {
	case VerdictPromote:
		if v.Version <= 0 {
			return errors.New("promote verdict requires version")
		}
	case VerdictReject:
		if len(v.Reasons) == 0 {
			return errors.New("reject verdict requires reasons")
		}
	case VerdictRollback:
		if v.FromVersion <= 0 || v.ToVersion <= 0 {
			return errors.New("rollback verdict requires from and to versions")
		}
		if strings.TrimSpace(v.Trigger) == "" {
			return errors.New("rollback verdict requires trigger")
		}
	default:
		return fmt.Errorf("unknown verdict kind %q", v.Kind)
	}
	return nil
}

func (v Verdict) String() string {
	switch v.Kind {
	case VerdictPromote:
		return fmt.Sprintf("Promote(%s/v%d)", v.ModelName, v.Version)
	case VerdictReject:
		return fmt.Sprintf("Reject(%s: %s)", v.ModelName, strings.Join(v.Reasons, "; "))
	case VerdictRollback:
		return fmt.Sprintf("Rollback(%s v%d -> v%d, %q)", v.ModelName, v.FromVersion, v.ToVersion, v.Trigger)
	default:
		return fmt.Sprintf("Verdict(%s)", v.Kind)
	}
}

func ParseVerdictKind(raw string) (VerdictKind, error) {
	switch VerdictKind(strings.ToLower(strings.TrimSpace(raw))) {
	case VerdictPromote:
		return VerdictPromote, nil
	case VerdictReject:
		return VerdictReject, nil
	case VerdictRollback:
		return VerdictRollback, nil
	default:
		return "", fmt.Errorf("unknown verdict kind %q", raw)
	}
}
