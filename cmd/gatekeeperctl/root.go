package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-gatekeeper/internal/app"
	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/env"
	"github.com/animus-labs/animus-gatekeeper/internal/policy"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

type rootFlags struct {
	policyPath string
	epsilon    float64
	output     string
}

type gater interface {
	Gate(ctx context.Context, modelName, candidateRunID string) (domain.Verdict, error)
}

type rollbacker interface {
	Rollback(ctx context.Context, modelName, triggerReason string) (domain.Verdict, error)
}

// environment is what the registry commands operate on.
type environment struct {
	gatekeeper gater
	rollback   rollbacker
	registry   repo.Registry
	close      func() error
}

type opener func(ctx context.Context, policyPath string, epsilon float64) (*environment, error)

func newRootCmd(open opener) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "gatekeeperctl",
		Short:         "Model promotion gate and rollback decisions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	epsilon, epsErr := env.Float("GATEKEEPER_EPSILON", policy.DefaultEpsilon)
	if epsErr != nil {
		root.PersistentPreRunE = func(*cobra.Command, []string) error { return epsErr }
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.policyPath, "policy", env.String("GATEKEEPER_POLICY_PATH", "policy.yaml"), "Threshold policy YAML")
	pf.Float64Var(&flags.epsilon, "epsilon", epsilon, "Comparison tolerance (GATEKEEPER_EPSILON)")
	pf.StringVarP(&flags.output, "output", "o", "text", "Output format: text or json")

	root.AddCommand(
		newGateCmd(flags, open),
		newRollbackCmd(flags, open),
		newVersionsCmd(flags, open),
		newPolicyCmd(flags),
	)
	return root
}

func openFromEnv(ctx context.Context, policyPath string, epsilon float64) (*environment, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Epsilon = epsilon
	pol, err := app.LoadPolicy(policyPath, cfg.Epsilon)
	if err != nil {
		return nil, err
	}
	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sinks, err := app.OpenSinks(ctx, cfg, backends, nil, logger)
	if err != nil {
		_ = backends.Close()
		return nil, err
	}
	engines, err := app.NewEngines(backends, pol, sinks, logger)
	if err != nil {
		_ = sinks.Close()
		_ = backends.Close()
		return nil, err
	}
	return &environment{
		gatekeeper: engines.Gatekeeper,
		rollback:   engines.Rollback,
		registry:   backends.Registry,
		close: func() error {
			_ = sinks.Close()
			return backends.Close()
		},
	}, nil
}

func withEnvironment(cmd *cobra.Command, flags *rootFlags, open opener, fn func(*environment) error) error {
	e, err := open(cmd.Context(), flags.policyPath, flags.epsilon)
	if err != nil {
		return err
	}
	defer func() { _ = e.close() }()
	return fn(e)
}

func printVerdict(w io.Writer, output string, v domain.Verdict) error {
	if strings.EqualFold(output, "json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprintf(w, "%s\n", v)
	fmt.Fprintf(w, "verdict_id: %s\n", v.ID)
	for _, f := range v.Failures {
		fmt.Fprintf(w, "  - %s\n", f)
	}
	return nil
}
