package executor

import (
	"fmt"
	"strings"

	"github.com/tuannm99/novads/internal/catalog"
)

// AuthorizationError records a row whose action the caller may not perform.
// The row is skipped; the request goes on.
type AuthorizationError struct {
	Dataset string
	Action  catalog.Action
	Reason  string
}

func (e *AuthorizationError) Error() string {
	msg := fmt.Sprintf("executor: %s not authorized on data set %q", e.Action, e.Dataset)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// StatementError is a failed statement, commit or rollback.
type StatementError struct {
	Table string
	SQL   string
	Err   error
}

func (e *StatementError) Error() string {
	if e.SQL == "" {
		return fmt.Sprintf("executor: %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("executor: %s: %q: %v", e.Table, e.SQL, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// RowFailure is one failed input row. Row is zero-based in document order.
type RowFailure struct {
	Row    int
	Action catalog.Action
	Err    error
}

func (f RowFailure) Error() string {
	return fmt.Sprintf("row %d (%s): %v", f.Row, f.Action, f.Err)
}

func (f RowFailure) Unwrap() error { return f.Err }

// FailureReport aggregates every row failure of one request.
type FailureReport struct {
	Dataset  string
	Failures []RowFailure
}

func (r *FailureReport) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "executor: data set %q: %d row failure(s)", r.Dataset, len(r.Failures))
	for _, f := range r.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (r *FailureReport) Unwrap() []error {
	out := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f
	}
	return out
}

// Rows lists the failed row numbers in the order they failed.
func (r *FailureReport) Rows() []int {
	out := make([]int, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f.Row
	}
	return out
}
