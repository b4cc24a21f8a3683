package release

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"deployer/internal/remote"
)

// WritableRequest lists the paths that both the deploying user and the web
// server user must be able to write.
type WritableRequest struct {
	Dirs     []string // relative to the release
	HTTPUser string
	UseSudo  bool
}

// Strategy is one way of granting write access. Strategies are tried in
// order; the first applicable one that succeeds wins.
type Strategy interface {
	Name() string
	Applicable(ctx context.Context, sh *remote.Shell, req WritableRequest) (bool, error)
	Apply(ctx context.Context, sh *remote.Shell, req WritableRequest) error
}

func withSudo(useSudo bool, cmd remote.Command) remote.Command {
	if !useSudo {
		return cmd
	}
	return remote.Cmd("sudo", cmd.Args()...)
}

const aclPerms = "allow delete,write,append,file_inherit,directory_inherit"

// ChmodACL uses extended ACLs through `chmod +a` (macOS, BSD).
type ChmodACL struct{}

func (ChmodACL) Name() string { return "chmod +a" }

func (ChmodACL) Applicable(ctx context.Context, sh *remote.Shell, _ WritableRequest) (bool, error) {
	out, err := sh.Output(ctx, remote.Script("chmod 2>&1; true"))
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "+a"), nil
}

func (ChmodACL) Apply(ctx context.Context, sh *remote.Shell, req WritableRequest) error {
	me, err := sh.Output(ctx, remote.Cmd("whoami"))
	if err != nil {
		return err
	}
	users := []string{me}
	if req.HTTPUser != "" {
		users = []string{req.HTTPUser, me}
	}
	for _, u := range users {
		args := append([]string{"+a", u + " " + aclPerms}, req.Dirs...)
		if _, err := sh.Run(ctx, withSudo(req.UseSudo, remote.Cmd("chmod", args...))); err != nil {
			return err
		}
	}
	return nil
}

// SetfACL uses POSIX ACLs through setfacl. It needs a known HTTP user.
// Without sudo only directories that do not yet grant the HTTP user write
// access are touched, since files created by that user cannot be changed.
type SetfACL struct{}

func (SetfACL) Name() string { return "setfacl" }

func (SetfACL) Applicable(ctx context.Context, sh *remote.Shell, req WritableRequest) (bool, error) {
	if req.HTTPUser == "" {
		return false, nil
	}
	return sh.CommandExists(ctx, "setfacl")
}

func (SetfACL) Apply(ctx context.Context, sh *remote.Shell, req WritableRequest) error {
	me, err := sh.Output(ctx, remote.Cmd("whoami"))
	if err != nil {
		return err
	}
	spec := func(flag string, dirs []string) remote.Command {
		args := append([]string{flag, "-m", "u:" + req.HTTPUser + ":rwX", "-m", "u:" + me + ":rwX"}, dirs...)
		return remote.Cmd("setfacl", args...)
	}
	if req.UseSudo {
		for _, flag := range []string{"-R", "-dR"} {
			if _, err := sh.Run(ctx, withSudo(true, spec(flag, req.Dirs))); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dir := range req.Dirs {
		aclCheck := remote.Script("getfacl -p " + remote.Quote(dir) + " | grep " +
			remote.Quote("^user:"+req.HTTPUser+":.*w") + " | wc -l")
		n, err := sh.Output(ctx, aclCheck)
		if err != nil {
			return err
		}
		if n != "0" {
			continue
		}
		for _, flag := range []string{"-R", "-dR"} {
			if _, err := sh.Run(ctx, spec(flag, []string{dir})); err != nil {
				return err
			}
		}
	}
	return nil
}

// ChmodAll opens the directories to everyone. It always applies.
type ChmodAll struct{}

func (ChmodAll) Name() string { return "chmod 777" }

func (ChmodAll) Applicable(context.Context, *remote.Shell, WritableRequest) (bool, error) {
	return true, nil
}

func (ChmodAll) Apply(ctx context.Context, sh *remote.Shell, req WritableRequest) error {
	args := append([]string{"-R", "777"}, req.Dirs...)
	_, err := sh.Run(ctx, withSudo(req.UseSudo, remote.Cmd("chmod", args...)))
	return err
}

// DefaultStrategies is the preference order: extended ACL, POSIX ACL, then
// world-writable permissions.
func DefaultStrategies() []Strategy {
	return []Strategy{ChmodACL{}, SetfACL{}, ChmodAll{}}
}

// StrategiesFor maps a writable mode from configuration to a strategy list.
// "none" returns no strategies.
func StrategiesFor(mode string) ([]Strategy, error) {
	switch mode {
	case "", "auto":
		return DefaultStrategies(), nil
	case "chmod_acl", "acl":
		return []Strategy{ChmodACL{}}, nil
	case "setfacl":
		return []Strategy{SetfACL{}}, nil
	case "chmod":
		return []Strategy{ChmodAll{}}, nil
	case "none":
		return nil, nil
	}
	return nil, errors.Errorf("unknown writable mode %q", mode)
}

// DetectHTTPUser guesses the web server user from the process list.
func DetectHTTPUser(ctx context.Context, sh *remote.Shell) (string, error) {
	return sh.Output(ctx, remote.Script(
		`ps aux | grep -E '[a]pache|[h]ttpd|[_]www|[w]ww-data|[n]ginx' | grep -v root | head -1 | cut -d' ' -f1`))
}

// MakeWritable runs inside r and applies the first strategy that is
// applicable and succeeds. It returns the name of that strategy, or "" when
// there is nothing to do.
func (m *Manager) MakeWritable(ctx context.Context, r *Release, req WritableRequest, strategies []Strategy) (string, error) {
	if len(req.Dirs) == 0 || len(strategies) == 0 {
		return "", nil
	}
	var used string
	err := m.sh.Within(r.Path, func() error {
		var failures []StrategyFailure
		for _, s := range strategies {
			ok, err := s.Applicable(ctx, m.sh, req)
			if err != nil {
				failures = append(failures, StrategyFailure{Strategy: s.Name(), Err: err})
				continue
			}
			if !ok {
				continue
			}
			if err := s.Apply(ctx, m.sh, req); err != nil {
				failures = append(failures, StrategyFailure{Strategy: s.Name(), Err: err})
				continue
			}
			used = s.Name()
			return nil
		}
		return &PermissionSetupError{Dirs: req.Dirs, Attempts: failures}
	})
	return used, err
}
