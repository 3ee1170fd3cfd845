// Package coreerr defines the recoverable error kinds raised by the
// STaRS core (see spec §7 Error Handling Design). No exception ever
// escapes the core: every kind here names a local recovery policy that
// its raiser applies before returning, and logs through
// internal/logging rather than propagating a panic.
package coreerr

import "fmt"

// Kind categorizes a recoverable core error.
type Kind string

const (
	// KindMalformedMessage is raised by the wire deserializer. Policy:
	// drop the message, log WARN, continue.
	KindMalformedMessage Kind = "malformed_message"

	// KindClusterOverflow names a cluster list grown past its bound.
	// Policy: silently clusterize down to numClusters. cluster.List.Add
	// appends without a bound check and returns no error, so no code
	// path constructs an error of this kind.
	KindClusterOverflow Kind = "cluster_overflow"

	// KindNumericDomain is raised by Z/D arithmetic that produces a
	// negative sqdiff (or similarly out-of-domain value) within
	// tolerance. Policy: clamp to zero, log DEBUG. When the violation
	// exceeds tolerance, callers attach Severe to the error and log
	// WARN instead (see Severe).
	KindNumericDomain Kind = "numeric_domain"

	// KindUnknownTaskID is raised by TaskList.RemoveTask for an id not
	// present in the list. Policy: no-op (idempotent).
	KindUnknownTaskID Kind = "unknown_task_id"

	// KindMissingChildSummary is raised by the dispatcher when a
	// branch has no stored summary. Policy: skip that branch; if no
	// branch is usable and there is no parent, drop the request with
	// WARN.
	KindMissingChildSummary Kind = "missing_child_summary"
)

// CoreError carries a Kind, the operation that raised it, and an
// optional underlying cause. It is always a recoverable, locally
// handled condition — see the Kind doc comments for the policy each
// one implies.
type CoreError struct {
	Kind Kind
	Op   string
	Err  error

	// Severe marks a NumericDomain violation larger than the
	// configured epsilon tolerance (spec §7's "NumericDomain larger
	// than tolerance" row), which callers log at WARN instead of
	// DEBUG.
	Severe bool
}

// New builds a CoreError for op, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *CoreError) Unwrap() error { return e.Err }

// Is reports whether target is a CoreError of the same Kind.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
