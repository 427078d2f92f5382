package policy

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// WriteReport renders the evaluation as an aligned table for CI logs.
func (e Evaluation) WriteReport(w io.Writer) error {
	verdict := "PASS"
	if !e.Passed {
		verdict = "FAIL"
	}
	baseline := e.BaselineRunID
	if baseline == "" {
		baseline = "(none)"
	}
	if _, err := fmt.Fprintf(w, "policy %s: candidate=%s baseline=%s rules=%d pass=%d vacuous=%d fail=%d\n",
		verdict, e.CandidateRunID, baseline,
		e.Summary.RulesTotal, e.Summary.RulesPass, e.Summary.RulesVacuous, e.Summary.RulesFail,
	); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tMETRIC\tKIND\tCANDIDATE\tBASELINE\tTHRESHOLD\tSTATUS\tREASON")
	for _, r := range e.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RuleID, r.Metric, r.Kind,
			optional(r.Candidate), optional(r.Baseline), optional(r.Threshold),
			r.Status, r.Reason,
		)
	}
	return tw.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatFloat(*v)
}
