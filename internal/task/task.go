// Package task holds the deploy task graph: named tasks with dependencies,
// before/after hooks and composite groups, resolved into a deterministic
// linear plan per invocation.
package task

import (
	"context"
	"fmt"
	"time"

	"deployer/internal/remote"
	"deployer/internal/vars"
)

// Body is the executable part of a task.
type Body func(c *Context) error

// Task is one named unit of deployment work.
type Task struct {
	Name        string
	Description string
	Body        Body
	Children    []string // set for composite tasks, run in literal order
	Deps        []string
	Private     bool
	Timeout     time.Duration // per-command timeout override, zero keeps the host default

	index int
}

// IsGroup reports whether t is a composite task.
func (t *Task) IsGroup() bool { return t.Children != nil }

// Context is what a task body sees while it runs on one host.
type Context struct {
	Ctx   context.Context
	Host  string
	Shell *remote.Shell
	Vars  *vars.Scope

	// Printf writes a progress line for the host; may be nil.
	Printf func(format string, args ...interface{})
	// Warn records a non-fatal problem on the task's report; may be nil.
	Warn func(format string, args ...interface{})
}

// Run executes cmd in the current working directory.
func (c *Context) Run(cmd remote.Command) (*remote.Result, error) {
	return c.Shell.Run(c.Ctx, cmd)
}

// Output executes cmd and returns its trimmed stdout.
func (c *Context) Output(cmd remote.Command) (string, error) {
	return c.Shell.Output(c.Ctx, cmd)
}

// Test executes cmd as a predicate.
func (c *Context) Test(cmd remote.Command) (bool, error) {
	return c.Shell.Test(c.Ctx, cmd)
}

// Parse renders a {{var}} template against the task's scope.
func (c *Context) Parse(tmpl string) (string, error) {
	return c.Vars.Parse(tmpl)
}

// Script renders tmpl and runs it as a raw shell line.
func (c *Context) Script(tmpl string) (*remote.Result, error) {
	line, err := c.Parse(tmpl)
	if err != nil {
		return nil, err
	}
	return c.Run(remote.Script(line))
}

// Within runs fn inside dir, which is rendered as a template first.
func (c *Context) Within(dir string, fn func() error) error {
	d, err := c.Parse(dir)
	if err != nil {
		return err
	}
	return c.Shell.Within(d, fn)
}

// CommandExists reports whether name is on the host's PATH.
func (c *Context) CommandExists(name string) (bool, error) {
	return c.Shell.CommandExists(c.Ctx, name)
}

// Upload copies a local file to the host when the executor supports it.
func (c *Context) Upload(localPath, remotePath string) error {
	up, ok := c.Shell.Executor().(remote.Uploader)
	if !ok {
		return fmt.Errorf("executor for %s does not support uploads", c.Host)
	}
	return up.Upload(c.Ctx, localPath, remotePath)
}

// Infof prints a progress line.
func (c *Context) Infof(format string, args ...interface{}) {
	if c.Printf != nil {
		c.Printf(format, args...)
	}
}

// Warnf records a problem that does not fail the task.
func (c *Context) Warnf(format string, args ...interface{}) {
	if c.Warn != nil {
		c.Warn(format, args...)
		return
	}
	c.Infof(format, args...)
}
