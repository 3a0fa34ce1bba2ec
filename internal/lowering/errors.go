package lowering

import (
	"errors"
	"fmt"

	"github.com/loom-ml/loom/internal/ir"
)

// Sentinel errors for the two missing-operator outcomes. Callers match
// with errors.Is; the wrapping MissingOpError carries the operator.
var (
	// ErrMissingWithDecomp: the operator has no lowering but a known
	// decomposition exists; recoverable by caller reconfiguration.
	ErrMissingWithDecomp = errors.New("missing lowering (decomposition available)")

	// ErrMissingWithoutDecomp: no lowering and no decomposition; there
	// is no known path for this graph.
	ErrMissingWithoutDecomp = errors.New("missing lowering (no decomposition)")
)

// MissingOpError reports an operator absent from the lowering registry.
type MissingOpError struct {
	Op        Op
	Args      []ir.Value
	HasDecomp bool
}

func (e *MissingOpError) Error() string {
	return fmt.Sprintf("no lowering for %s: %v", e.Op, e.Unwrap())
}

func (e *MissingOpError) Unwrap() error {
	if e.HasDecomp {
		return ErrMissingWithDecomp
	}
	return ErrMissingWithoutDecomp
}

// Error wraps a failure raised inside a dispatched lowering handler,
// preserving the offending operator and arguments for diagnostics.
type Error struct {
	Op    Op
	Args  []ir.Value
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lowering %s with %d args: %v", e.Op, len(e.Args), e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
