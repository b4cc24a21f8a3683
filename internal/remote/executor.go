package remote

import (
	"context"
	"path"
	"strings"
	"time"
)

// Options tune a single command execution.
type Options struct {
	Dir     string            // working directory, empty for the login directory
	Env     map[string]string // exported before the command runs
	Timeout time.Duration     // zero means no limit
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout and stderr combined, stdout first.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
}

// Executor runs shell commands on one host.
//
// Execute returns the exact exit code of the shell. A non-zero exit is
// reported as *CommandFailure together with the Result; transport problems are
// *ConnectionError and an expired Options.Timeout is *TimeoutError.
type Executor interface {
	Execute(ctx context.Context, cmd Command, opts Options) (*Result, error)
	CommandExists(ctx context.Context, name string) (bool, error)
	Host() string
	Close() error
}

// Uploader is implemented by executors that can copy a local file to the host.
type Uploader interface {
	Upload(ctx context.Context, localPath, remotePath string) error
}

// commandExistsCmd is shared by executors that check through the shell.
func commandExistsCmd(name string) Command {
	return Script("command -v " + Quote(name) + " >/dev/null 2>&1")
}

// Shell wraps an Executor with a working directory stack, environment
// overrides and a default timeout. It is not safe for concurrent use; each
// host worker owns its own Shell.
type Shell struct {
	exec    Executor
	dirs    []string
	env     map[string]string
	timeout time.Duration
	observe func(cmd Command, res *Result, err error)
}

// NewShell creates a Shell with the given default per-command timeout.
func NewShell(exec Executor, timeout time.Duration) *Shell {
	return &Shell{exec: exec, timeout: timeout, env: map[string]string{}}
}

// Executor returns the underlying executor.
func (s *Shell) Executor() Executor { return s.exec }

// Host returns the executor's host name.
func (s *Shell) Host() string { return s.exec.Host() }

// SetEnv sets an environment override for all following commands.
func (s *Shell) SetEnv(key, value string) { s.env[key] = value }

// WithEnv runs fn with extra environment overrides and restores the previous
// values afterwards.
func (s *Shell) WithEnv(env map[string]string, fn func() error) error {
	saved := make(map[string]*string, len(env))
	for k, v := range env {
		if old, ok := s.env[k]; ok {
			saved[k] = &old
		} else {
			saved[k] = nil
		}
		s.env[k] = v
	}
	defer func() {
		for k, old := range saved {
			if old == nil {
				delete(s.env, k)
			} else {
				s.env[k] = *old
			}
		}
	}()
	return fn()
}

// Timeout returns the default per-command timeout.
func (s *Shell) Timeout() time.Duration { return s.timeout }

// SetTimeout changes the default per-command timeout.
func (s *Shell) SetTimeout(d time.Duration) { s.timeout = d }

// Observe registers a callback invoked after every command.
func (s *Shell) Observe(fn func(cmd Command, res *Result, err error)) { s.observe = fn }

// Dir returns the current working directory, "" when none is set.
func (s *Shell) Dir() string {
	if len(s.dirs) == 0 {
		return ""
	}
	return s.dirs[len(s.dirs)-1]
}

// Within runs fn with dir as working directory and restores the previous one
// afterwards, even when fn fails. Relative dirs resolve against the current one.
func (s *Shell) Within(dir string, fn func() error) error {
	if !path.IsAbs(dir) && s.Dir() != "" {
		dir = path.Join(s.Dir(), dir)
	}
	s.dirs = append(s.dirs, dir)
	defer func() { s.dirs = s.dirs[:len(s.dirs)-1] }()
	return fn()
}

func (s *Shell) options() Options {
	opts := Options{Dir: s.Dir(), Timeout: s.timeout}
	if len(s.env) > 0 {
		opts.Env = make(map[string]string, len(s.env))
		for k, v := range s.env {
			opts.Env[k] = v
		}
	}
	return opts
}

// Run executes cmd and returns its result.
func (s *Shell) Run(ctx context.Context, cmd Command) (*Result, error) {
	res, err := s.exec.Execute(ctx, cmd, s.options())
	if s.observe != nil {
		s.observe(cmd, res, err)
	}
	return res, err
}

// Output executes cmd and returns its trimmed stdout.
func (s *Shell) Output(ctx context.Context, cmd Command) (string, error) {
	res, err := s.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Test runs cmd as a predicate: exit 0 is true, exit 1 is false, anything
// else (including transport errors) is an error.
func (s *Shell) Test(ctx context.Context, cmd Command) (bool, error) {
	_, err := s.Run(ctx, cmd)
	if err == nil {
		return true, nil
	}
	if f, ok := AsCommandFailure(err); ok && f.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// CommandExists reports whether name resolves on the host's PATH.
func (s *Shell) CommandExists(ctx context.Context, name string) (bool, error) {
	return s.exec.CommandExists(ctx, name)
}
