package planner

import (
	"fmt"
	"strings"
)

// ValidationError reports a mapping or metadata problem found while building
// a plan. It is fatal to loading the data set.
type ValidationError struct {
	Pipe string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("planner: pipe %q: %s", e.Pipe, e.Msg)
}

func invalid(pipe, format string, args ...any) error {
	return &ValidationError{Pipe: pipe, Msg: fmt.Sprintf(format, args...)}
}

// CrossDependencyError reports tables whose foreign keys form a cycle, so no
// statement order satisfies them all.
type CrossDependencyError struct {
	Pipe   string
	Tables []string
}

func (e *CrossDependencyError) Error() string {
	return fmt.Sprintf("planner: pipe %q: cross dependency between tables %s",
		e.Pipe, strings.Join(e.Tables, " -> "))
}
