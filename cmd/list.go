package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"deployer/internal/config"
	"deployer/internal/history"
	"deployer/internal/recipe"
	"deployer/internal/release"
	"deployer/internal/remote"
	"deployer/internal/util"
)

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List public tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return configError(err)
			}
			r, err := recipe.New(cfg)
			if err != nil {
				return configError(err)
			}
			printTasks(r)
			return nil
		},
	}
}

func printTasks(r *recipe.Recipe) {
	width := 0
	tasks := r.Graph.Tasks()
	for _, t := range tasks {
		if !t.Private && len(t.Name) > width {
			width = len(t.Name)
		}
	}
	util.Default.Println("Available Tasks:")
	for _, t := range tasks {
		if t.Private {
			continue
		}
		util.Default.Printf("- %-*s  %s\n", width, t.Name, t.Description)
	}
}

func newReleasesCmd(opts *options) *cobra.Command {
	var hosts []string
	cmd := &cobra.Command{
		Use:   "releases",
		Short: "Show the releases present on each host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return configError(err)
			}
			selected, err := cfg.SelectHosts(hosts)
			if err != nil {
				return configError(err)
			}
			if err := promptPasswords(selected); err != nil {
				return configError(err)
			}
			return showReleases(cmd.Context(), cfg, selected)
		},
	}
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Hosts or stages to inspect (default all)")
	return cmd
}

// showReleases lists releases of every host concurrently and prints them in
// host order.
func showReleases(ctx context.Context, cfg *config.Config, hosts []config.HostConfig) error {
	listings := make([][]*release.Release, len(hosts))
	tasks := make([]util.ConcurrentTask, len(hosts))
	for i := range hosts {
		tasks[i] = func(ctx context.Context) error {
			exec, err := dial(ctx, hosts[i], false)
			if err != nil {
				return err
			}
			defer exec.Close()
			m := release.NewManager(remote.NewShell(exec, cfg.Timeout()), cfg.HostDeployPath(hosts[i]))
			m.Location = cfg.Location()
			listings[i], err = m.List(ctx)
			return err
		}
	}
	errs := util.RunConcurrent(ctx, tasks, cfg.MaxParallel, false)

	failed := 0
	for i, h := range hosts {
		if errs[i] != nil {
			failed++
			util.Default.Hostf(h.Name, "❌ %v", errs[i])
			continue
		}
		if len(listings[i]) == 0 {
			util.Default.Hostf(h.Name, "no releases in %s", cfg.HostDeployPath(h))
			continue
		}
		for j := len(listings[i]) - 1; j >= 0; j-- {
			r := listings[i][j]
			marker := "  "
			if r.Status == release.StatusActive {
				marker = "➜ "
			}
			created := ""
			if !r.CreatedAt.IsZero() {
				created = r.CreatedAt.Format(time.RFC3339)
			}
			util.Default.Hostf(h.Name, "%s%-20s %-8s %s", marker, r.Name, r.Status, created)
		}
	}
	if failed > 0 {
		return &exitError{code: exitHostFailure, err: fmt.Errorf("could not list releases on %d host(s)", failed)}
	}
	return nil
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs of this project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return configError(err)
			}
			if cfg.History.Driver == "none" {
				return configError(fmt.Errorf("run history is disabled (history.driver: none)"))
			}
			store, err := history.Open(cmd.Context(), cfg.History)
			if err != nil {
				return configError(err)
			}
			defer store.Close()
			runs, err := store.Recent(cmd.Context(), cfg.ProjectName, limit)
			if err != nil {
				return err
			}
			printHistory(runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to show")
	return cmd
}

func printHistory(runs []history.Run) {
	if len(runs) == 0 {
		util.Default.Println("No runs recorded yet")
		return
	}
	for _, r := range runs {
		icon := "✅"
		if r.Status != "succeeded" {
			icon = "❌"
		}
		ref := r.Ref
		if ref == "" {
			ref = "HEAD"
		}
		util.Default.Printf("%s %s  %-8s %s@%s  %s  (%s)\n",
			icon, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Task, ref, shortHash(r.Commit),
			r.ID, r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
		for _, h := range r.Hosts {
			line := fmt.Sprintf("    %s: %s", h.Host, h.Status)
			if h.FailedTask != "" {
				line += " at " + h.FailedTask
			}
			if h.Error != "" {
				line += " - " + strings.SplitN(h.Error, "\n", 2)[0]
			}
			util.Default.Println(line)
		}
	}
}
