// Package orchestrator runs a resolved task plan on every selected host,
// concurrently across hosts and sequentially within one, and reports the
// outcome per host and task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deployer/internal/logging"
	"deployer/internal/remote"
	"deployer/internal/source"
	"deployer/internal/task"
	"deployer/internal/util"
	"deployer/internal/vars"
)

// DefaultOutputCap bounds the output kept per task report.
const DefaultOutputCap = 64 * 1024

// Host is one deployment target.
type Host struct {
	Name string
	Vars map[string]interface{}
}

// Connector opens the executor for a host. The orchestrator closes it when
// the host is done.
type Connector func(ctx context.Context, h Host) (remote.Executor, error)

// Binder hooks a recipe into each host run.
type Binder interface {
	// Check rejects plans whose templates name undefined variables.
	Check(plan *task.Plan, sc *vars.Scope) error
	// Bind installs host-specific lazy variables.
	Bind(sc *vars.Scope, sh *remote.Shell)
}

// Hook is notified once a run has finished.
type Hook interface {
	Name() string
	AfterRun(ctx context.Context, report *RunReport) error
}

// Spec selects what a run does.
type Spec struct {
	Task     string
	Revision source.Revision
	DryRun   bool
	FailFast bool
	// RunID names the run; a random one is used when empty.
	RunID    string
}

// Orchestrator executes plans from Graph using variables from Store.
type Orchestrator struct {
	Graph   *task.Graph
	Store   *vars.Store
	Recipe  Binder
	Connect Connector
	Hooks   []Hook

	Project        string
	MaxParallel    int
	CommandTimeout time.Duration
	OutputCap      int
	HookTimeout    time.Duration

	Log     *logging.Logger
	Printer *util.Printer
	Now     func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) printer() *util.Printer {
	if o.Printer != nil {
		return o.Printer
	}
	return util.Default
}

func (o *Orchestrator) logger() *logging.Logger {
	if o.Log != nil {
		return o.Log
	}
	return logging.Discard()
}

// Deploy runs spec.Task on hosts. Configuration problems (unknown or cyclic
// tasks, undefined variables) are returned as an error before any host is
// contacted. Everything that happens on hosts is recorded in the report.
func (o *Orchestrator) Deploy(ctx context.Context, hosts []Host, spec Spec) (*RunReport, error) {
	plan, err := o.Graph.Resolve(spec.Task)
	if err != nil {
		return nil, err
	}
	o.Store.Freeze()

	scopes := make([]*vars.Scope, len(hosts))
	for i, h := range hosts {
		sc := o.Store.NewScope(h.Vars)
		if spec.Revision.Ref != "" {
			sc.Set("branch", spec.Revision.Ref)
		}
		if spec.Revision.Pinned() {
			sc.Set("commit", spec.Revision.Commit)
		}
		if o.Recipe != nil {
			if err := o.Recipe.Check(plan, sc); err != nil {
				return nil, fmt.Errorf("host %s: %w", h.Name, err)
			}
		}
		scopes[i] = sc
	}

	runID := spec.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	report := &RunReport{
		RunID:       runID,
		Project:     o.Project,
		Task:        spec.Task,
		Revision:    spec.Revision,
		Fingerprint: plan.Fingerprint(),
		DryRun:      spec.DryRun,
		StartedAt:   o.now(),
	}
	for _, h := range hosts {
		hr := &HostReport{Host: h.Name}
		for _, step := range plan.Steps {
			hr.Tasks = append(hr.Tasks, &TaskReport{Task: step.Name, Status: StatusSkipped})
		}
		report.Hosts = append(report.Hosts, hr)
	}

	log := o.logger().With(logging.Fields{"run_id": report.RunID, "target": spec.Task})
	log.Info("run started", logging.Fields{
		"hosts":       len(hosts),
		"plan":        plan.Names(),
		"fingerprint": report.Fingerprint,
		"dry_run":     spec.DryRun,
		"revision":    spec.Revision.Commit,
	})

	if spec.DryRun {
		o.printPlan(hosts, plan)
		o.finish(report)
		log.Info("dry run finished", nil)
		return report, nil
	}

	workers := make([]util.ConcurrentTask, len(hosts))
	for i := range hosts {
		h, sc, hr := hosts[i], scopes[i], report.Hosts[i]
		workers[i] = func(ctx context.Context) error {
			return o.runHost(ctx, h, sc, plan, hr, log.With(logging.Fields{"host": h.Name}))
		}
	}
	errs := util.RunConcurrent(ctx, workers, o.MaxParallel, spec.FailFast)
	for i, err := range errs {
		if err != nil && report.Hosts[i].Err == nil {
			report.Hosts[i].Err = err
		}
	}
	o.finish(report)

	log.Info("run finished", logging.Fields{
		"succeeded":   report.Succeeded,
		"failed":      report.Failed,
		"duration_ms": report.Duration().Milliseconds(),
	})
	o.runHooks(ctx, report, log)
	return report, nil
}

func (o *Orchestrator) finish(report *RunReport) {
	report.FinishedAt = o.now()
	for _, hr := range report.Hosts {
		if hr.Failed() {
			report.Failed = append(report.Failed, hr.Host)
		} else {
			report.Succeeded = append(report.Succeeded, hr.Host)
		}
	}
}

func (o *Orchestrator) printPlan(hosts []Host, plan *task.Plan) {
	p := o.printer()
	p.Printf("📋 Dry run of %s (%d steps)\n", plan.Root, len(plan.Steps))
	for _, h := range hosts {
		for i, step := range plan.Steps {
			p.Hostf(h.Name, "%2d. %s", i+1, step.Name)
		}
	}
}

// runHost executes the plan on one host. The first failure stops the host;
// the remaining tasks stay skipped.
func (o *Orchestrator) runHost(ctx context.Context, h Host, sc *vars.Scope, plan *task.Plan, hr *HostReport, log *logging.Logger) error {
	start := o.now()
	defer func() { hr.Duration = o.now().Sub(start) }()
	p := o.printer()

	if err := ctx.Err(); err != nil {
		hr.Err = err
		return err
	}
	exec, err := o.Connect(ctx, h)
	if err != nil {
		hr.Err = err
		p.Hostf(h.Name, "❌ %v", err)
		log.Error("connection failed", logging.Fields{"error": err})
		return err
	}
	defer exec.Close()

	outputCap := o.OutputCap
	if outputCap <= 0 {
		outputCap = DefaultOutputCap
	}
	sh := remote.NewShell(exec, o.CommandTimeout)
	var current *util.OutputBuffer
	sh.Observe(func(cmd remote.Command, res *remote.Result, err error) {
		if current == nil {
			return
		}
		current.Write("$ " + cmd.String())
		if res != nil {
			current.Write(res.Output())
		} else if out := remote.CapturedOutput(err); out != "" {
			current.Write(out)
		}
		fields := logging.Fields{"command": cmd.String()}
		if res != nil {
			fields["exit_code"] = res.ExitCode
			fields["duration_ms"] = res.Duration.Milliseconds()
		}
		log.Debug("command finished", fields)
	})
	if o.Recipe != nil {
		o.Recipe.Bind(sc, sh)
	}

	for i, step := range plan.Steps {
		tr := hr.Tasks[i]
		if err := ctx.Err(); err != nil {
			hr.Err = err
			return err
		}

		current = util.NewOutputBuffer(outputCap)
		p.Hostf(h.Name, "➤ Executing task %s", step.Name)
		tc := &task.Context{
			Ctx:   ctx,
			Host:  h.Name,
			Shell: sh,
			Vars:  sc.Snapshot(),
			Printf: func(format string, args ...interface{}) {
				p.Hostf(h.Name, format, args...)
			},
			Warn: func(format string, args ...interface{}) {
				msg := fmt.Sprintf(format, args...)
				tr.Warnings = append(tr.Warnings, msg)
				p.Hostf(h.Name, "%s", msg)
			},
		}

		t0 := o.now()
		err := o.runStep(step, tc, sh)
		tr.Duration = o.now().Sub(t0)
		tr.Output = current.String()
		current = nil

		taskLog := log.With(logging.Fields{"task": step.Name, "duration_ms": tr.Duration.Milliseconds()})
		if err != nil {
			tr.Status = StatusFailed
			tr.Err = err
			hr.Err = fmt.Errorf("task %s failed: %w", step.Name, err)
			p.Hostf(h.Name, "❌ %s failed: %v", step.Name, err)
			fields := logging.Fields{"error": err}
			var f *remote.CommandFailure
			if errors.As(err, &f) {
				fields["exit_code"] = f.ExitCode
			}
			taskLog.Error("task failed", fields)
			return hr.Err
		}
		tr.Status = StatusSuccess
		if len(tr.Warnings) > 0 {
			taskLog.Warn("task finished with warnings", logging.Fields{"warnings": tr.Warnings})
		} else {
			taskLog.Info("task finished", nil)
		}
	}
	return nil
}

func (o *Orchestrator) runStep(step *task.Task, tc *task.Context, sh *remote.Shell) error {
	if step.Body == nil {
		return nil
	}
	if step.Timeout > 0 {
		prev := sh.Timeout()
		sh.SetTimeout(step.Timeout)
		defer sh.SetTimeout(prev)
	}
	return step.Body(tc)
}

func (o *Orchestrator) runHooks(ctx context.Context, report *RunReport, log *logging.Logger) {
	timeout := o.HookTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	for _, h := range o.Hooks {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		err := h.AfterRun(hctx, report)
		cancel()
		if err != nil {
			o.printer().Printf("⚠️  %s hook failed: %v\n", h.Name(), err)
			log.Warn("hook failed", logging.Fields{"hook": h.Name(), "error": err})
		}
	}
}
