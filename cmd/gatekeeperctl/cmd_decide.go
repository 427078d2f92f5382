package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

func newGateCmd(flags *rootFlags, open opener) *cobra.Command {
	var model, runID string
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Gate a candidate run against the current production model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnvironment(cmd, flags, open, func(e *environment) error {
				verdict, err := e.gatekeeper.Gate(cmd.Context(), model, runID)
				if verdict.ID != "" {
					if perr := printVerdict(cmd.OutOrStdout(), flags.output, verdict); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if verdict.Kind == domain.VerdictReject {
					return &codedError{code: exitRejected, err: errRejected}
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&model, "model", "", "Model name (required)")
	f.StringVar(&runID, "run", "", "Candidate run id (required)")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newRollbackCmd(flags *rootFlags, open opener) *cobra.Command {
	var model, reason string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the previous production version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnvironment(cmd, flags, open, func(e *environment) error {
				verdict, err := e.rollback.Rollback(cmd.Context(), model, reason)
				if verdict.ID != "" {
					if perr := printVerdict(cmd.OutOrStdout(), flags.output, verdict); perr != nil {
						return perr
					}
				}
				if errors.Is(err, domain.ErrNoRollbackTarget) {
					return fmt.Errorf("%s has no archived version that served production before the current one: %w", model, err)
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&model, "model", "", "Model name (required)")
	f.StringVar(&reason, "reason", "", "Trigger reason recorded on the verdict (required)")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
