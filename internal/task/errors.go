package task

import (
	"fmt"
	"strings"
)

// CyclicDependencyError reports a cycle through dependencies, hooks or
// group children. Path starts and ends with the same task.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic task dependency: " + strings.Join(e.Path, " -> ")
}

// UnknownTaskError reports a reference to a task that was never registered.
type UnknownTaskError struct {
	Name     string
	Referrer string // empty when the task was requested directly
	Relation string // deps, before, after or group
}

func (e *UnknownTaskError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("task %q is not defined", e.Name)
	}
	return fmt.Sprintf("task %q is not defined (referenced by %q via %s)", e.Name, e.Referrer, e.Relation)
}

// PrivateTaskError is returned when a private task is invoked directly.
type PrivateTaskError struct {
	Name string
}

func (e *PrivateTaskError) Error() string {
	return fmt.Sprintf("task %q is private and can only run as part of another task", e.Name)
}

// DuplicateTaskError is returned when a name is registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q is already registered", e.Name)
}
