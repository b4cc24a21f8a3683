package orchestrator

import (
	"time"

	"deployer/internal/source"
)

// Status of one task on one host.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// TaskReport is the outcome of one task on one host.
type TaskReport struct {
	Task     string
	Status   Status
	Output   string
	Warnings []string
	Duration time.Duration
	Err      error
}

// HostReport collects the task reports of one host in plan order.
type HostReport struct {
	Host     string
	Tasks    []*TaskReport
	Duration time.Duration
	// Err is the first failure on the host: a connection problem, a failed
	// task or the cancellation that kept the host from running.
	Err error
}

// Failed reports whether the host did not complete its plan.
func (h *HostReport) Failed() bool { return h.Err != nil }

// FailedTask returns the report of the task that failed, if any.
func (h *HostReport) FailedTask() *TaskReport {
	for _, t := range h.Tasks {
		if t.Status == StatusFailed {
			return t
		}
	}
	return nil
}

// Counts returns how many tasks ended in each status.
func (h *HostReport) Counts() map[Status]int {
	counts := map[Status]int{}
	for _, t := range h.Tasks {
		counts[t.Status]++
	}
	return counts
}

// RunReport is the aggregate result of one invocation.
type RunReport struct {
	RunID       string
	Project     string
	Task        string
	Revision    source.Revision
	Fingerprint string
	DryRun      bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Hosts       []*HostReport
	Succeeded   []string
	Failed      []string
}

// OK reports whether every host succeeded.
func (r *RunReport) OK() bool { return len(r.Failed) == 0 }

// Duration of the whole run.
func (r *RunReport) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Host returns the report for name, or nil.
func (r *RunReport) Host(name string) *HostReport {
	for _, h := range r.Hosts {
		if h.Host == name {
			return h
		}
	}
	return nil
}
