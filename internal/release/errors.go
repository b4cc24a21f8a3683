package release

import (
	"fmt"
	"strings"
)

// AllocationError means every candidate release name was already taken.
type AllocationError struct {
	Base     string
	Attempts int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("could not allocate release %s: name and %d suffixed variants already exist", e.Base, e.Attempts)
}

// StrategyFailure records why one permission strategy did not succeed.
type StrategyFailure struct {
	Strategy string
	Err      error
}

// PermissionSetupError is returned once every applicable writable strategy
// has failed.
type PermissionSetupError struct {
	Dirs     []string
	Attempts []StrategyFailure
}

func (e *PermissionSetupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unable to make %s writable", strings.Join(e.Dirs, " "))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "\n  %s: %v", a.Strategy, a.Err)
	}
	b.WriteString("\nconfigure sudo to run without a password prompt or set permissions manually")
	return b.String()
}
