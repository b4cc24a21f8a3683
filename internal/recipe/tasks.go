package recipe

import (
	"fmt"
	"sort"
	"time"

	"deployer/internal/config"
	"deployer/internal/task"
)

func (r *Recipe) register() error {
	g := r.Graph
	custom := r.cfg.Tasks

	for _, st := range r.standardTasks() {
		if tc, ok := custom[st.name]; ok {
			if err := r.registerCommand(st.name, tc); err != nil {
				return err
			}
			continue
		}
		t, err := g.Register(st.name, st.body)
		if err != nil {
			return err
		}
		t.Description = st.desc
		r.templates[st.name] = st.templates
	}
	if _, ok := custom["deploy:clear_controllers"]; !ok {
		if err := g.SetPrivate("deploy:clear_controllers", true); err != nil {
			return err
		}
	}
	if _, ok := custom["success"]; !ok {
		if err := g.SetPrivate("success", true); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(custom))
	for name := range custom {
		if _, ok := g.Get(name); !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.registerCommand(name, custom[name]); err != nil {
			return err
		}
	}

	flow := r.cfg.Flow
	if len(flow) == 0 {
		flow = DefaultFlow
	}
	if _, ok := custom["deploy"]; !ok {
		deploy, err := g.Group("deploy", flow...)
		if err != nil {
			return err
		}
		deploy.Description = "Deploy your project"
	}

	g.After("deploy:update_code", "deploy:clear_controllers")
	g.After("deploy", "success")

	for _, name := range sortedKeys(custom) {
		tc := custom[name]
		for _, anchor := range tc.Before {
			g.Before(anchor, name)
		}
		for _, anchor := range tc.After {
			g.After(anchor, name)
		}
	}
	return nil
}

func sortedKeys(m map[string]config.TaskConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// registerCommand adds a task defined in deploy.yaml.
func (r *Recipe) registerCommand(name string, tc config.TaskConfig) error {
	t, err := r.Graph.Register(name, commandBody(name, tc), tc.Deps...)
	if err != nil {
		return err
	}
	t.Description = tc.Desc
	t.Private = tc.Private
	if tc.Timeout != "" {
		d, err := time.ParseDuration(tc.Timeout)
		if err != nil {
			return fmt.Errorf("task %s: invalid timeout %q: %v", name, tc.Timeout, err)
		}
		t.Timeout = d
	}

	var templates []string
	templates = append(templates, tc.Run...)
	if tc.Dir != "" {
		templates = append(templates, tc.Dir)
	}
	for _, k := range sortedEnv(tc.Env) {
		templates = append(templates, tc.Env[k])
	}
	for _, u := range tc.Upload {
		templates = append(templates, u.Src, u.Dst)
	}
	r.templates[name] = templates
	return nil
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func commandBody(name string, tc config.TaskConfig) task.Body {
	return func(c *task.Context) error {
		if len(tc.Stages) > 0 {
			stage, err := c.Vars.StringOr("stage", "")
			if err != nil {
				return err
			}
			if !contains(tc.Stages, stage) {
				c.Infof("⏭️  %s is not enabled for stage %q", name, stage)
				return nil
			}
		}

		env := make(map[string]string, len(tc.Env))
		for _, k := range sortedEnv(tc.Env) {
			v, err := c.Parse(tc.Env[k])
			if err != nil {
				return err
			}
			env[k] = v
		}

		return c.Shell.WithEnv(env, func() error {
			for _, u := range tc.Upload {
				src, err := c.Parse(u.Src)
				if err != nil {
					return err
				}
				dst, err := c.Parse(u.Dst)
				if err != nil {
					return err
				}
				if err := c.Upload(src, dst); err != nil {
					return fmt.Errorf("failed to upload %s: %w", src, err)
				}
				c.Infof("📤 %s -> %s", src, dst)
			}
			run := func() error {
				for _, line := range tc.Run {
					if _, err := c.Script(line); err != nil {
						return err
					}
				}
				return nil
			}
			if tc.Dir != "" {
				return c.Within(tc.Dir, run)
			}
			return run()
		})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
