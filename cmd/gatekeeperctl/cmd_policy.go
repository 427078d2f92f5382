package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/policy"
)

func newPolicyCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and evaluate threshold policies offline",
	}
	cmd.AddCommand(newPolicyValidateCmd(flags), newPolicyEvaluateCmd(flags))
	return cmd
}

func newPolicyValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a policy file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := policy.LoadFile(flags.policyPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy OK: %s (%d rules)\n", flags.policyPath, len(spec.Rules))
			return nil
		},
	}
}

func newPolicyEvaluateCmd(flags *rootFlags) *cobra.Command {
	var candidatePath, baselinePath string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate candidate metrics against a policy without touching the registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := policy.LoadFile(flags.policyPath)
			if err != nil {
				return err
			}
			pol, err := policy.New(spec, flags.epsilon)
			if err != nil {
				return err
			}
			candidate, err := readMetricsFile(candidatePath)
			if err != nil {
				return fmt.Errorf("candidate: %w", err)
			}
			var baseline *domain.RunMetrics
			if baselinePath != "" {
				b, err := readMetricsFile(baselinePath)
				if err != nil {
					return fmt.Errorf("baseline: %w", err)
				}
				baseline = &b
			}

			eval := pol.Evaluate(candidate, baseline)
			out := cmd.OutOrStdout()
			if strings.EqualFold(flags.output, "json") {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(eval); err != nil {
					return err
				}
			} else if err := eval.WriteReport(out); err != nil {
				return err
			}
			if !eval.Passed {
				return &codedError{code: exitRejected, err: errRejected}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&candidatePath, "candidate", "", "Candidate metrics JSON (required)")
	f.StringVar(&baselinePath, "baseline", "", "Baseline metrics JSON")
	_ = cmd.MarkFlagRequired("candidate")
	return cmd
}

// metricsFile is {"run_id": "...", "metrics": {"accuracy": 0.91}}.
type metricsFile struct {
	RunID   string             `json:"run_id"`
	Metrics map[string]float64 `json:"metrics"`
}

func readMetricsFile(path string) (domain.RunMetrics, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.RunMetrics{}, err
	}
	var f metricsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.RunMetrics{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(f.Metrics) == 0 {
		return domain.RunMetrics{}, errors.New("metrics are required")
	}
	if f.RunID == "" {
		f.RunID = path
	}
	return domain.RunMetrics{RunID: f.RunID, Status: domain.RunStatusFinished, Metrics: f.Metrics}, nil
}
