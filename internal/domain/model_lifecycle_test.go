package domain

import "testing"

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to Stage
		ok       bool
	}{
		{StageNone, StageProduction, true},
		{StageStaging, StageProduction, true},
		{StageProduction, StageArchived, true},
		{StageArchived, StageProduction, true},
		{StageProduction, StageProduction, true},
		{StageProduction, StageNone, false},
		{StageArchived, StageStaging, false},
		{Stage("Live"), StageArchived, false},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("ValidateTransition(%s,%s) err=%v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ValidateTransition(%s,%s) expected error", tc.from, tc.to)
		}
	}
}

func TestParseStage(t *testing.T) {
	got, err := ParseStage(" PRODUCTION ")
	if err != nil {
		t.Fatalf("ParseStage() err=%v", err)
	}
	if got != StageProduction {
		t.Fatalf("ParseStage()=%q, want Production", got)
	}
	if _, err := ParseStage("live"); err == nil {
		t.Fatalf("ParseStage() expected error")
	}
}

func TestRunMetricsCompleted(t *testing.T) {
	run := RunMetrics{RunID: "r1", Status: "FINISHED", Metrics: map[string]float64{"accuracy": 0.9}}
	if !run.Completed() {
		t.Fatalf("Completed()=false, want true")
	}
	run.Status = "RUNNING"
	if run.Completed() {
		t.Fatalf("Completed()=true for running run")
	}
	empty := RunMetrics{RunID: "r2", Status: "FINISHED"}
	if empty.Completed() {
		t.Fatalf("Completed()=true for run without metrics")
	}
}
