package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"deployer/internal/config"
	"deployer/internal/history"
	"deployer/internal/logging"
	"deployer/internal/metrics"
	"deployer/internal/notify"
	"deployer/internal/orchestrator"
	"deployer/internal/recipe"
	"deployer/internal/source"
	"deployer/internal/util"
	"deployer/internal/vars"
)

// runFlags are shared by deploy and run.
type runFlags struct {
	hosts    []string
	branch   string
	tag      string
	revision string
	dryRun   bool
	failFast bool
	vars     map[string]string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.hosts, "hosts", nil, "Hosts or stages to target (default all)")
	cmd.Flags().StringVar(&f.branch, "branch", "", "Branch to deploy")
	cmd.Flags().StringVar(&f.tag, "tag", "", "Tag to deploy")
	cmd.Flags().StringVar(&f.revision, "revision", "", "Full commit hash to deploy")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Print the plan without executing anything")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "Stop every host once one host fails")
	cmd.Flags().StringToStringVar(&f.vars, "var", nil, "Override variables (key=value)")
	cmd.MarkFlagsMutuallyExclusive("branch", "tag", "revision")
}

// ref returns the requested reference, falling back to the configured branch.
func (f *runFlags) ref(cfg *config.Config) string {
	switch {
	case f.revision != "":
		return f.revision
	case f.tag != "":
		return f.tag
	case f.branch != "":
		return f.branch
	}
	return cfg.Branch
}

func newDeployCmd(opts *options) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a new release to the selected hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), opts, f, "deploy")
		},
	}
	f.register(cmd)
	return cmd
}

func newRunCmd(opts *options) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run a single task and its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), opts, f, args[0])
		},
	}
	f.register(cmd)
	return cmd
}

// applyOverrides sets --var values on the store. Values are decoded as YAML
// scalars or flow sequences, so `--var keep_releases=3` is an int and
// `--var shared_dirs=[a,b]` a list.
func applyOverrides(store *vars.Store, overrides map[string]string) error {
	names := make([]string, 0, len(overrides))
	for k := range overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := overrides[name]
		var v interface{}
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		if err := store.Override(name, v); err != nil {
			return fmt.Errorf("failed to override %s: %v", name, err)
		}
	}
	return nil
}

// resolveRevision pins the requested reference once for the whole run. Dry
// runs and plans that never fetch code skip the remote lookup.
func resolveRevision(ctx context.Context, cfg *config.Config, ref string, needed bool) (source.Revision, error) {
	if !needed || cfg.Repository == "" {
		return source.Revision{Kind: source.KindBranch, Ref: ref}, nil
	}
	resolver, err := source.NewResolver(cfg.GitIdentityFile)
	if err != nil {
		return source.Revision{}, err
	}
	util.Default.Printf("🔎 Resolving %s on %s\n", displayRef(ref), cfg.Repository)
	rev, err := resolver.Resolve(ctx, cfg.Repository, ref)
	if err != nil {
		return source.Revision{}, err
	}
	util.Default.Printf("📌 Deploying %s %s (%s)\n", rev.Kind, displayRef(rev.Ref), shortHash(rev.Commit))
	return rev, nil
}

func displayRef(ref string) string {
	if ref == "" {
		return "HEAD"
	}
	return ref
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// openRunLog creates the per-run JSON log, mirrored to stderr when verbose.
func openRunLog(cfg *config.Config, opts *options, runID string) (*logging.Logger, io.Closer, error) {
	lvl, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return nil, nil, err
	}
	dir := cfg.LogDir
	if dir == "" {
		dir = config.DefaultLogDir
	}
	logger, file, err := logging.Open(dir, runID, lvl)
	if err != nil {
		return nil, nil, err
	}
	if opts.verbose {
		logger = logging.New(io.MultiWriter(file, os.Stderr), lvl).With(logging.Fields{"run_id": runID})
	}
	return logger, file, nil
}

// runHooks returns the post-run hooks enabled by cfg.
func runHooks(cfg *config.Config) []orchestrator.Hook {
	var hooks []orchestrator.Hook
	if cfg.History.Driver != "none" {
		hooks = append(hooks, history.NewHook(cfg.History))
	}
	if cfg.Notify.AMQP.URL != "" {
		hooks = append(hooks, notify.NewAMQPHook(cfg.Notify.AMQP))
	}
	if cfg.Metrics.File != "" {
		hooks = append(hooks, metrics.NewTextfileHook(cfg.Metrics.File))
	}
	return hooks
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// runTask executes name on the selected hosts. Configuration problems end
// with exitConfig before any host is contacted; host failures with
// exitHostFailure.
func runTask(ctx context.Context, opts *options, f *runFlags, name string) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return configError(err)
	}
	hostCfgs, err := cfg.SelectHosts(f.hosts)
	if err != nil {
		return configError(err)
	}
	r, err := recipe.New(cfg)
	if err != nil {
		return configError(err)
	}
	if err := applyOverrides(r.Store, f.vars); err != nil {
		return configError(err)
	}
	plan, err := r.Graph.Resolve(name)
	if err != nil {
		return configError(err)
	}

	needsSource := !f.dryRun && contains(plan.Names(), "deploy:update_code")
	rev, err := resolveRevision(ctx, cfg, f.ref(cfg), needsSource)
	if err != nil {
		return configError(err)
	}
	if !f.dryRun {
		if err := promptPasswords(hostCfgs); err != nil {
			return configError(err)
		}
	}

	runID := uuid.NewString()
	logger, closer, err := openRunLog(cfg, opts, runID)
	if err != nil {
		return configError(err)
	}
	defer closer.Close()

	o := &orchestrator.Orchestrator{
		Graph:          r.Graph,
		Store:          r.Store,
		Recipe:         r,
		Connect:        connector(hostCfgs, opts.verbose),
		Hooks:          runHooks(cfg),
		Project:        cfg.ProjectName,
		MaxParallel:    cfg.MaxParallel,
		CommandTimeout: cfg.Timeout(),
		Log:            logger,
		Printer:        util.Default,
	}
	util.Default.Printf("🚀 Running %s on %d host(s) [run %s]\n", name, len(hostCfgs), runID)
	report, err := o.Deploy(ctx, orchestratorHosts(cfg, hostCfgs), orchestrator.Spec{
		Task:     name,
		Revision: rev,
		DryRun:   f.dryRun,
		FailFast: f.failFast,
		RunID:    runID,
	})
	if err != nil {
		return configError(err)
	}
	if report.DryRun {
		return nil
	}

	orchestrator.PrintSummary(util.Default, report)
	if !report.OK() {
		return &exitError{
			code: exitHostFailure,
			err:  fmt.Errorf("%s failed on %d of %d host(s)", name, len(report.Failed), len(report.Hosts)),
		}
	}
	util.Default.Printf("✅ %s finished on all hosts\n", name)
	return nil
}
