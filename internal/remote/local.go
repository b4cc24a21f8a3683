package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"time"
)

// LocalExecutor runs commands with sh on the machine running deployer. It
// backs hosts configured with `local: true`.
type LocalExecutor struct {
	name string
}

// NewLocalExecutor returns an executor reporting name as its host.
func NewLocalExecutor(name string) *LocalExecutor {
	if name == "" {
		name = "localhost"
	}
	return &LocalExecutor{name: name}
}

func (l *LocalExecutor) Host() string { return l.name }

func (l *LocalExecutor) Close() error { return nil }

// Execute runs cmd through `sh -c`. Run cancellation is only honoured before
// the process starts; a started command runs until it exits or hits
// opts.Timeout.
func (l *LocalExecutor) Execute(ctx context.Context, cmd Command, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line := Render(cmd, opts)

	runCtx := context.Background()
	var cancel context.CancelFunc = func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, opts.Timeout)
	}
	defer cancel()

	c := exec.CommandContext(runCtx, "sh", "-c", line)
	c.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	if opts.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &TimeoutError{Host: l.name, Command: cmd.String(), Timeout: opts.Timeout, Output: res.Output()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &CommandFailure{
			Host:     l.name,
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return nil, &ConnectionError{Host: l.name, Err: fmt.Errorf("failed to start local shell: %v", err)}
}

func (l *LocalExecutor) CommandExists(ctx context.Context, name string) (bool, error) {
	_, err := l.Execute(ctx, commandExistsCmd(name), Options{})
	if err == nil {
		return true, nil
	}
	if _, ok := AsCommandFailure(err); ok {
		return false, nil
	}
	return false, err
}

// Upload copies a local file to remotePath, creating parent directories.
func (l *LocalExecutor) Upload(ctx context.Context, localPath, remotePath string) error {
	cmd := Cmd("mkdir", "-p", path.Dir(remotePath)).Then(Cmd("cp", "-p", localPath, remotePath))
	_, err := l.Execute(ctx, cmd, Options{})
	return err
}
