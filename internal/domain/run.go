package domain

import (
	"errors"
	"math"
	"strings"
	"time"
)

// RunStatusFinished is the only tracking-service status whose metrics are final.
const RunStatusFinished = "FINISHED"

// RunMetrics is the immutable metric snapshot of one completed training run.
type RunMetrics struct {
	RunID     string
	Status    string
	Metrics   map[string]float64
	Artifacts []string
	CreatedAt time.Time
}

// Metric returns the named value and whether the run logged it.
func (r RunMetrics) Metric(name string) (float64, bool) {
	if r.Metrics == nil {
		return 0, false
	}
	v, ok := r.Metrics[strings.TrimSpace(name)]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Completed reports whether the run finished and logged at least one metric.
func (r RunMetrics) Completed() bool {
	status := strings.ToUpper(strings.TrimSpace(r.Status))
	return (status == "" || status == RunStatusFinished) && len(r.Metrics) > 0
}

func (r RunMetrics) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	return nil
}
