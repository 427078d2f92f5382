package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

func newVersionsCmd(flags *rootFlags, open opener) *cobra.Command {
	var model, stage string
	var limit int
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List registered versions of a model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := repo.VersionFilter{ModelName: model, Limit: limit}
			if stage != "" {
				parsed, err := domain.ParseStage(stage)
				if err != nil {
					return err
				}
				filter.Stage = parsed
			}
			return withEnvironment(cmd, flags, open, func(e *environment) error {
				versions, err := e.registry.ListVersions(cmd.Context(), filter)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if strings.EqualFold(flags.output, "json") {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(versions)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tSTAGE\tRUN\tCREATED\tLAST PRODUCTION")
				for _, v := range versions {
					served := "-"
					if v.LastProductionAt != nil {
						served = v.LastProductionAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.Version, v.Stage, v.RunID, v.CreatedAt.UTC().Format(time.RFC3339), served)
				}
				return tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&model, "model", "", "Model name (required)")
	f.StringVar(&stage, "stage", "", "Only versions in this stage")
	f.IntVar(&limit, "limit", 0, "Maximum number of versions")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
