// Package fault defines the error taxonomy shared by the screening and
// maneuver pipelines.
//
// Only InvalidOrbit, InvalidInput and Cancelled travel as Go errors. The
// remaining kinds describe result states (a low-confidence conjunction, an
// infeasible burn) and are attached to results instead of being returned.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind int

const (
	KindUnknown Kind = iota
	InvalidOrbit
	ScanIncomplete
	ManeuverInfeasible
	OptimizationNotConverged
	Cancelled
	InvalidInput
)

func (k Kind) String() string {
	switch k {
	case InvalidOrbit:
		return "invalid_orbit"
	case ScanIncomplete:
		return "scan_incomplete"
	case ManeuverInfeasible:
		return "maneuver_infeasible"
	case OptimizationNotConverged:
		return "optimization_not_converged"
	case Cancelled:
		return "cancelled"
	case InvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error is an engine error tagged with a Kind. Msg, when set, is the full
// human-readable message and already includes the cause text.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same Kind, so that
// errors.Is(err, fault.ErrInvalidOrbit) matches any InvalidOrbit error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidOrbit             = &Error{Kind: InvalidOrbit}
	ErrScanIncomplete           = &Error{Kind: ScanIncomplete}
	ErrManeuverInfeasible       = &Error{Kind: ManeuverInfeasible}
	ErrOptimizationNotConverged = &Error{Kind: OptimizationNotConverged}
	ErrCancelled                = &Error{Kind: Cancelled}
	ErrInvalidInput             = &Error{Kind: InvalidInput}
)

// Errorf builds an Error of the given kind with a formatted message.
// A %w verb in format is honoured and becomes the wrapped cause.
func Errorf(kind Kind, format string, args ...any) error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// Wrap tags err with kind. Returns nil when err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
