// Package recipe registers the deploy pipeline on a task graph: the standard
// release tasks backed by the release manager, plus command tasks defined in
// deploy.yaml.
package recipe

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/pkg/errors"

	"deployer/internal/config"
	"deployer/internal/release"
	"deployer/internal/remote"
	"deployer/internal/task"
	"deployer/internal/vars"
)

// DefaultFlow is the child list of the deploy task when the config has no
// flow of its own.
var DefaultFlow = []string{
	"deploy:prepare",
	"deploy:release",
	"deploy:update_code",
	"deploy:create_cache_dir",
	"deploy:shared",
	"deploy:writable",
	"deploy:assets",
	"deploy:vendors",
	"deploy:assetic:dump",
	"deploy:cache:warmup",
	"deploy:symlink",
	"cleanup",
}

// Recipe owns the graph and the global variable store of one run.
type Recipe struct {
	Graph *task.Graph
	Store *vars.Store

	// Now is the clock used to name releases.
	Now      func() time.Time
	Location *time.Location

	cfg       *config.Config
	templates map[string][]string
}

// New builds the variable defaults and the task graph for cfg. The store is
// left unfrozen so run-time overrides can still be applied.
func New(cfg *config.Config) (*Recipe, error) {
	r := &Recipe{
		Graph:     task.NewGraph(),
		Store:     vars.NewStore(),
		Now:       time.Now,
		Location:  cfg.Location(),
		cfg:       cfg,
		templates: map[string][]string{},
	}
	if err := r.setDefaults(); err != nil {
		return nil, err
	}
	if err := r.register(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recipe) setDefaults() error {
	cfg := r.cfg
	attempts := cfg.ReleaseNameAttempts
	if attempts == 0 {
		attempts = release.DefaultMaxAttempts
	}
	writableDirs := cfg.Writable.Dirs
	if writableDirs == nil {
		writableDirs = []string{}
	}
	defaults := []struct {
		name  string
		value interface{}
	}{
		{"project_name", cfg.ProjectName},
		{"repository", cfg.Repository},
		{"branch", cfg.Branch},
		{"commit", ""},
		{"git_cache", cfg.GitCache},
		{"deploy_path", cfg.DeployPath},
		{"current_path", "{{deploy_path}}/current"},
		{"release_path", vars.Func(unbound("release_path"))},
		{"release_name", vars.Func(releaseName)},
		{"releases_list", vars.Func(unbound("releases_list"))},
		{"previous_release", vars.Func(unbound("previous_release"))},
		{"keep_releases", cfg.Keep()},
		{"keep_window", cfg.KeepWindow},
		{"release_name_attempts", attempts},
		{"shared_dirs", stringsOrEmpty(cfg.SharedDirs)},
		{"shared_files", stringsOrEmpty(cfg.SharedFiles)},
		{"writable_dirs", writableDirs},
		{"writable_mode", cfg.Writable.Mode},
		{"writable_use_sudo", cfg.Writable.UseSudo},
		{"http_user", cfg.Writable.HTTPUser},
		{"env", "prod"},
		{"var_dir", "app"},
		{"bin_dir", "app"},
		{"cache_dir", "{{release_path}}/{{var_dir}}/cache"},
		{"assets", []string{"web/css", "web/images", "web/js"}},
		{"dump_assets", false},
		{"composer_command", "composer"},
		{"composer_action", "install"},
		{"composer_options", "{{composer_action}} --verbose --prefer-dist --no-progress --no-interaction --no-dev --optimize-autoloader"},
		{"env_vars", "SYMFONY_ENV={{env}}"},
	}
	for _, d := range defaults {
		if err := r.Store.Set(d.name, d.value); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(cfg.Vars))
	for k := range cfg.Vars {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if err := r.Store.Set(k, cfg.Vars[k]); err != nil {
			return err
		}
	}
	return nil
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func unbound(name string) vars.Func {
	return func(*vars.Scope) (interface{}, error) {
		return nil, fmt.Errorf("%s is only available while running on a host", name)
	}
}

func releaseName(sc *vars.Scope) (interface{}, error) {
	p, err := sc.String("release_path")
	if err != nil {
		return nil, err
	}
	return path.Base(p), nil
}

// HostVars returns the host layer for h: its own vars plus connection facts
// and the effective deploy path.
func HostVars(cfg *config.Config, h config.HostConfig) map[string]interface{} {
	out := make(map[string]interface{}, len(h.Vars)+5)
	for k, v := range h.Vars {
		out[k] = v
	}
	out["host"] = h.Name
	out["hostname"] = h.Hostname
	out["user"] = h.User
	out["stage"] = h.Stage
	out["deploy_path"] = cfg.HostDeployPath(h)
	return out
}

// Bind installs the host-specific lazy values that need the host's shell.
func (r *Recipe) Bind(sc *vars.Scope, sh *remote.Shell) {
	sc.Set("release_path", vars.Func(func(s *vars.Scope) (interface{}, error) {
		m, err := r.managerFor(sh, s)
		if err != nil {
			return nil, err
		}
		staged, err := m.Staged(context.Background())
		if err != nil {
			return nil, err
		}
		if staged != nil {
			return staged.Path, nil
		}
		return s.String("current_path")
	}))
	sc.Set("releases_list", vars.Func(func(s *vars.Scope) (interface{}, error) {
		m, err := r.managerFor(sh, s)
		if err != nil {
			return nil, err
		}
		releases, err := m.List(context.Background())
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(releases))
		for i := len(releases) - 1; i >= 0; i-- {
			names = append(names, releases[i].Name)
		}
		return names, nil
	}))
	sc.Set("previous_release", vars.Func(func(s *vars.Scope) (interface{}, error) {
		m, err := r.managerFor(sh, s)
		if err != nil {
			return nil, err
		}
		cur, err := m.Current(context.Background())
		if err != nil || cur == nil {
			return "", err
		}
		return cur.Path, nil
	}))
}

func (r *Recipe) managerFor(sh *remote.Shell, sc *vars.Scope) (*release.Manager, error) {
	root, err := sc.String("deploy_path")
	if err != nil {
		return nil, err
	}
	if root == "" {
		return nil, errors.New("deploy_path is empty")
	}
	attempts, err := sc.Int("release_name_attempts")
	if err != nil {
		return nil, err
	}
	m := release.NewManager(sh, root)
	m.MaxAttempts = attempts
	if r.Now != nil {
		m.Now = r.Now
	}
	if r.Location != nil {
		m.Location = r.Location
	}
	return m, nil
}

func (r *Recipe) manager(c *task.Context) (*release.Manager, error) {
	return r.managerFor(c.Shell, c.Vars)
}

// staged returns the release the current task works on.
func (r *Recipe) staged(c *task.Context) (*release.Release, error) {
	p, err := c.Vars.String("release_path")
	if err != nil {
		return nil, err
	}
	return &release.Release{Name: path.Base(p), Path: p, Status: release.StatusPending}, nil
}

// Check verifies, without touching the host, that every template used by
// the plan's steps only names defined variables.
func (r *Recipe) Check(plan *task.Plan, sc *vars.Scope) error {
	for _, step := range plan.Steps {
		for _, tmpl := range r.templates[step.Name] {
			if err := sc.Check(tmpl); err != nil {
				return fmt.Errorf("task %s: %w", step.Name, err)
			}
		}
	}
	return nil
}
