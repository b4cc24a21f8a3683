package recipe

import (
	"strings"

	"github.com/pkg/errors"

	"deployer/internal/release"
	"deployer/internal/remote"
	"deployer/internal/task"
)

type standardTask struct {
	name      string
	desc      string
	body      task.Body
	templates []string
}

func (r *Recipe) standardTasks() []standardTask {
	return []standardTask{
		{"deploy:prepare", "Preparing server for deploy", r.prepare, []string{"{{deploy_path}}"}},
		{"deploy:release", "Prepare release", r.allocate, []string{"{{deploy_path}}"}},
		{"deploy:update_code", "Updating code", r.updateCode, []string{"{{repository}}", "{{branch}}", "{{commit}}"}},
		{"deploy:create_cache_dir", "Create cache dir", r.createCacheDir, []string{"{{cache_dir}}"}},
		{"deploy:shared", "Creating symlinks for shared files", r.shared, []string{"{{shared_dirs}}", "{{shared_files}}"}},
		{"deploy:writable", "Make writable dirs", r.writable, []string{"{{writable_dirs}}", "{{writable_mode}}", "{{http_user}}"}},
		{"deploy:assets", "Normalize asset timestamps", r.assets, []string{"{{assets}}"}},
		{"deploy:vendors", "Installing vendors", r.vendors, []string{"{{composer_command}}", "{{composer_options}}", "{{env_vars}}"}},
		{"deploy:assetic:dump", "Dump assets", r.asseticDump, []string{"{{bin_dir}}", "{{env}}"}},
		{"deploy:cache:warmup", "Warm up cache", r.cacheWarmup, []string{"{{bin_dir}}", "{{env}}"}},
		{"deploy:clear_controllers", "Remove front controllers not meant for production", r.clearControllers, nil},
		{"deploy:symlink", "Creating symlink to release", r.symlink, nil},
		{"cleanup", "Cleaning up old releases", r.cleanup, []string{"{{keep_releases}}", "{{keep_window}}"}},
		{"success", "", r.success, nil},
		{"rollback", "Rollback to previous release", r.rollback, []string{"{{deploy_path}}"}},
	}
}

func (r *Recipe) prepare(c *task.Context) error {
	m, err := r.manager(c)
	if err != nil {
		return err
	}
	return m.Prepare(c.Ctx)
}

func (r *Recipe) allocate(c *task.Context) error {
	m, err := r.manager(c)
	if err != nil {
		return err
	}
	rel, err := m.Allocate(c.Ctx)
	if err != nil {
		return err
	}
	c.Vars.Set("release_path", rel.Path)
	c.Infof("📦 Release %s", rel.Name)
	return nil
}

func (r *Recipe) updateCode(c *task.Context) error {
	m, err := r.manager(c)
	if err != nil {
		return err
	}
	rel, err := r.staged(c)
	if err != nil {
		return err
	}
	var src release.Source
	if src.Repository, err = c.Vars.String("repository"); err != nil {
		return err
	}
	if src.Ref, err = c.Vars.StringOr("branch", ""); err != nil {
		return err
	}
	if src.Commit, err = c.Vars.StringOr("commit", ""); err != nil {
		return err
	}
	if src.GitCache, err = c.Vars.Bool("git_cache"); err != nil {
		return err
	}

	var previous *release.Release
	if src.GitCache {
		releases, err := m.List(c.Ctx)
		if err != nil {
			return err
		}
		for i := len(releases) - 1; i >= 0; i-- {
			if releases[i].Name != rel.Name {
				previous = releases[i]
				break
			}
		}
	}

	res, err := m.Populate(c.Ctx, rel, src, previous)
	if err != nil {
		return err
	}
	switch {
	case res.FellBack:
		c.Warnf("⚠️  Reference clone from %s failed, used a full clone", res.Reference)
	case res.UsedReference:
		c.Infof("♻️  Reused objects from %s", res.Reference)
	}
	return nil
}

func (r *Recipe) createCacheDir(c *task.Context) error {
	dir, err := c.Vars.String("cache_dir")
	if err != nil {
		return err
	}
	cmd := remote.Cmd("rm", "-rf", dir).
		Then(remote.Cmd("mkdir", "-p", dir)).
		Then(remote.Cmd("chmod", "-R", "g+w", dir))
	_, err = c.Run(cmd)
	return err
}

func (r *Recipe) shared(c *task.Context) error {
	m, err := r.manager(c)
	if err != nil {
		return err
	}
	rel, err := r.staged(c)
	if err != nil {
		return err
	}
	dirs, err := c.Vars.Strings("shared_dirs")
	if err != nil {
		return err
	}
	files, err := c.Vars.Strings("shared_files")
	if err != nil {
		return err
	}
	return m.LinkShared(c.Ctx, rel, dirs, files)
}

func (r *Recipe) writable(c *task.Context) error {
	dirs, err := c.Vars.Strings("writable_dirs")
	if err != nil || len(dirs) == 0 {
		return err
	}
	mode, err := c.Vars.StringOr("writable_mode", "")
	if err != nil {
		return err
	}
	strategies, err := release.StrategiesFor(mode)
	if err != nil || len(strategies) == 0 {
		return err
	}
	m, err := r.manager(c)
	if err != nil {
		return err
	}
	rel, err := r.staged(c)
	if err != nil {
		return err
	}

	req := release.WritableRequest{Dirs: dirs}
	if req.UseSudo, err = c.Vars.Bool("writable_use_sudo"); err != nil {
		return err
	}
	if req.HTTPUser, err = c.Vars.StringOr("http_user", ""); err != nil {
		return err
	}
	if req.HTTPUser == "" && mode != "chmod" {
		if req.HTTPUser, err = release.DetectHTTPUser(c.Ctx, c.Shell); err != nil {
			return errors.Wrap(err, "failed to detect the web server user")
		}
	}

	used, err := m.MakeWritable(c.Ctx, rel, req, strategies)
	if err != nil {
		return err
	}
	c.Infof("🔓 Writable dirs set with %s", used)
	return nil
}

func (r *Recipe) assets(c *task.Context) error {
	rel, err := r.staged(c)
	if err != nil {
		return err
	}
	assets, err := c.Vars.Strings("assets")
	if err != nil || len(assets) == 0 {
		return err
	}
	args := make([]string, 0, len(assets)+6)
	for _, a := range assets {
		args = append(args, rel.Path+"/"+strings.TrimLeft(a, "/"))
	}
	stamp := r.Now().In(r.Location).Format("200601021504.05")
	args = append(args, "-exec", "touch", "-t", stamp, "{}", ";")
	line := remote.Cmd("find", args...).String() + " >/dev/null 2>&1"
	_, err = c.Run(remote.Script(line).OrTrue())
	return err
}

func (r *Recipe) vendors(c *task.Context) error {
	composer, err := c.Vars.String("composer_command")
	if err != nil {
		return err
	}
	options, err := c.Vars.String("composer_options")
	if err != nil {
		return err
	}
	envVars, err := c.Vars.StringOr("env_vars", "")
	if err != nil {
		return err
	}
	return c.Within("{{release_path}}", func() error {
		bin := composer
		if fields := strings.Fields(composer); len(fields) > 0 {
			bin = fields[0]
		}
		exists, err := c.CommandExists(bin)
		if err != nil {
			return err
		}
		if !exists {
			c.Infof("📥 %s not found, installing composer.phar", composer)
			if _, err := c.Run(remote.Script("curl -sS https://getcomposer.org/installer | php")); err != nil {
				return errors.Wrap(err, "failed to install composer")
			}
			composer = "php composer.phar"
		}
		line := composer + " " + options
		if strings.TrimSpace(envVars) != "" {
			line = "export " + envVars + " && " + line
		}
		_, err = c.Run(remote.Script(line))
		return err
	})
}

func (r *Recipe) console(c *task.Context, args string) error {
	binDir, err := c.Vars.String("bin_dir")
	if err != nil {
		return err
	}
	line, err := c.Parse("php {{release_path}}/" + strings.Trim(binDir, "/") + "/console " + args + " --env={{env}} --no-debug")
	if err != nil {
		return err
	}
	_, err = c.Run(remote.Script(line))
	return err
}

func (r *Recipe) asseticDump(c *task.Context) error {
	dump, err := c.Vars.Bool("dump_assets")
	if err != nil || !dump {
		return err
	}
	return r.console(c, "assetic:dump")
}

func (r *Recipe) cacheWarmup(c *task.Context) error {
	return r.console(c, "cache:warmup")
}

func (r *Recipe) clearControllers(c *task.Context) error {
	_, err := c.Script("rm -f {{release_path}}/web/app_*.php {{release_path}}/web/config.php")
	return err
}

func (r *Recipe) symlink(c *task.Context) error {
	m, err := r.manager(c)
	if err != nil {
		return err
	}
	rel, err := r.staged(c)
	if err != nil {
		return err
	}
	if rel.Path == m.CurrentLink() {
		return errors.New("no staged release to activate; run deploy:release first")
	}
	if err := m.Activate(c.Ctx, rel); err != nil {
		return err
	}
	c.Vars.Set("release_path", m.CurrentLink())
	c.Infof("🔗 current -> %s", rel.Name)
	return nil
}

func (r *Recipe) cleanup(c *task.Context) error {
	m, err := r.manager(c)
	if err != nil {
		return err
	}
	keep, err := c.Vars.Int("keep_releases")
	if err != nil {
		return err
	}
	window, err := c.Vars.Int("keep_window")
	if err != nil {
		return err
	}
	report, err := m.Cleanup(c.Ctx, keep, window)
	if err != nil {
		return err
	}
	for _, f := range report.Failed {
		c.Warnf("⚠️  Could not remove release %s: %v", f.Name, f.Err)
	}
	if len(report.Removed) > 0 {
		c.Infof("🧹 Removed %s", strings.Join(report.Removed, ", "))
	}
	return nil
}

func (r *Recipe) success(c *task.Context) error {
	c.Infof("✅ Successfully deployed!")
	return nil
}

func (r *Recipe) rollback(c *task.Context) error {
	m, err := r.manager(c)
	if err != nil {
		return err
	}
	prev, err := m.Rollback(c.Ctx)
	if err != nil {
		return err
	}
	c.Infof("⏪ Rolled back to %s", prev.Name)
	return nil
}
