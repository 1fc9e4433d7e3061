package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds exposed by the coordination core. Callers match with errors.Is;
// components wrap them with fmt.Errorf("...: %w", ...) for context.
var (
	// ErrContended signals a uniqueness constraint lost a race.
	// The scheduler retries these within its budget.
	ErrContended = errors.New("contended")

	// ErrWouldCycle signals a dependency that would break acyclicity
	ErrWouldCycle = errors.New("dependency would create cycle")

	// ErrLeaseLost signals a renewal that found no owning lease
	ErrLeaseLost = errors.New("lease lost")

	// ErrNotFound signals a missing task, dependency, or reservation
	ErrNotFound = errors.New("not found")

	// ErrInvariant signals an internal consistency violation
	ErrInvariant = errors.New("invariant violation")

	// ErrDeadline signals a caller-supplied deadline elapsed
	ErrDeadline = errors.New("deadline exceeded")
)

// ConflictError reports file reservation conflicts with the offending paths.
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("file reservation conflict: %s", strings.Join(e.Paths, ", "))
}

// AsConflict unwraps err into a ConflictError if one is present.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
