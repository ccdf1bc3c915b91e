// Package metrics collects per-run counters and timings and writes them in
// the Prometheus text format for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/starford/eipsmith/internal/models"
)

const namespace = "eipsmith"

// Outcomes of a build for one proposal.
const (
	OutcomeRebuilt = "rebuilt"
	OutcomeReused  = "reused"
	OutcomeFailed  = "failed"
	OutcomeRemoved = "removed"
)

// Recorder holds one run's metrics. A nil *Recorder discards everything.
type Recorder struct {
	reg         *prometheus.Registry
	proposals   *prometheus.GaugeVec
	diagnostics *prometheus.CounterVec
	stages      *prometheus.GaugeVec
	lastRun     prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		proposals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proposals",
			Help:      "Proposals handled by the last run, by outcome.",
		}, []string{"outcome"}),
		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Diagnostics reported by the last run.",
		}, []string{"severity", "rule"}),
		stages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage in the last run.",
		}, []string{"stage"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
	r.reg.MustRegister(r.proposals, r.diagnostics, r.stages, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Stage starts timing a pipeline stage; call the returned func when it ends.
func (r *Recorder) Stage(name string) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		r.stages.WithLabelValues(name).Set(time.Since(start).Seconds())
	}
}

// Diagnostics counts diags by severity and rule.
func (r *Recorder) Diagnostics(diags []models.Diagnostic) {
	if r == nil {
		return
	}
	for _, d := range diags {
		r.diagnostics.WithLabelValues(d.Severity.String(), d.Rule).Inc()
	}
}

// Outcome records how many proposals ended in each build outcome.
func (r *Recorder) Outcome(rebuilt, reused, failed, removed int) {
	if r == nil {
		return
	}
	r.proposals.WithLabelValues(OutcomeRebuilt).Set(float64(rebuilt))
	r.proposals.WithLabelValues(OutcomeReused).Set(float64(reused))
	r.proposals.WithLabelValues(OutcomeFailed).Set(float64(failed))
	r.proposals.WithLabelValues(OutcomeRemoved).Set(float64(removed))
}

// WriteFile stamps the finish time and writes the registry to path.
func (r *Recorder) WriteFile(path string) error {
	if r == nil {
		return nil
	}
	r.lastRun.SetToCurrentTime()
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
