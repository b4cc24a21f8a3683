package vars

import (
	"fmt"
	"strings"
)

// UndefinedVariableError is returned when a name is found in no layer.
type UndefinedVariableError struct {
	Name string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable %q", e.Name)
}

// CircularReferenceError is returned when template resolution revisits a
// variable that is still being resolved.
type CircularReferenceError struct {
	Chain []string
}

func (e *CircularReferenceError) Error() string {
	return "circular variable reference: " + strings.Join(e.Chain, " -> ")
}
