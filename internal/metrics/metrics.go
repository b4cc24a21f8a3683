// Package metrics exports run results in the Prometheus text format for the
// node_exporter textfile collector.
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"deployer/internal/orchestrator"
)

// Collectors for one run.
type Collectors struct {
	registry     *prometheus.Registry
	runSuccess   *prometheus.GaugeVec
	runDuration  *prometheus.GaugeVec
	lastRun      *prometheus.GaugeVec
	hostSuccess  *prometheus.GaugeVec
	hostDuration *prometheus.GaugeVec
	taskDuration *prometheus.GaugeVec
	tasksByState *prometheus.GaugeVec
}

// NewCollectors registers the deployer gauges on a fresh registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		runSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_run_success",
			Help: "1 if every host of the last run succeeded.",
		}, []string{"project", "task"}),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_run_duration_seconds",
			Help: "Wall time of the last run.",
		}, []string{"project", "task"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_run_finished_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}, []string{"project", "task"}),
		hostSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_host_success",
			Help: "1 if the host completed its plan in the last run.",
		}, []string{"project", "host"}),
		hostDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_host_duration_seconds",
			Help: "Time the host spent on the last run.",
		}, []string{"project", "host"}),
		taskDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_task_duration_seconds",
			Help: "Duration of each task in the last run.",
		}, []string{"project", "host", "task"}),
		tasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployer_tasks",
			Help: "Number of tasks per host and status in the last run.",
		}, []string{"project", "host", "status"}),
	}
	c.registry.MustRegister(c.runSuccess, c.runDuration, c.lastRun, c.hostSuccess, c.hostDuration, c.taskDuration, c.tasksByState)
	return c
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// Observe sets the gauges from report.
func (c *Collectors) Observe(report *orchestrator.RunReport) {
	p := report.Project
	c.runSuccess.WithLabelValues(p, report.Task).Set(boolGauge(report.OK()))
	c.runDuration.WithLabelValues(p, report.Task).Set(report.Duration().Seconds())
	c.lastRun.WithLabelValues(p, report.Task).Set(float64(report.FinishedAt.Unix()))
	for _, hr := range report.Hosts {
		c.hostSuccess.WithLabelValues(p, hr.Host).Set(boolGauge(!hr.Failed()))
		c.hostDuration.WithLabelValues(p, hr.Host).Set(hr.Duration.Seconds())
		for _, st := range []orchestrator.Status{orchestrator.StatusSuccess, orchestrator.StatusFailed, orchestrator.StatusSkipped} {
			c.tasksByState.WithLabelValues(p, hr.Host, string(st)).Set(float64(hr.Counts()[st]))
		}
		for _, tr := range hr.Tasks {
			if tr.Status != orchestrator.StatusSkipped {
				c.taskDuration.WithLabelValues(p, hr.Host, tr.Task).Set(tr.Duration.Seconds())
			}
		}
	}
}

// Gatherer exposes the registry.
func (c *Collectors) Gatherer() prometheus.Gatherer { return c.registry }

// TextfileHook writes the metrics of each run to a .prom file.
type TextfileHook struct {
	path string
}

// NewTextfileHook returns a hook writing to path.
func NewTextfileHook(path string) *TextfileHook { return &TextfileHook{path: path} }

func (h *TextfileHook) Name() string { return "metrics" }

func (h *TextfileHook) AfterRun(ctx context.Context, report *orchestrator.RunReport) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %v", err)
	}
	c := NewCollectors()
	c.Observe(report)
	if err := prometheus.WriteToTextfile(h.path, c.Gatherer()); err != nil {
		return fmt.Errorf("failed to write metrics: %v", err)
	}
	return nil
}
