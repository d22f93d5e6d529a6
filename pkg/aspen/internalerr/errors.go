package internalerr

import "errors"

// Sentinel errors for common cases
var (
	// ErrInconsistent is the search outcome when no answer set exists.
	// It is a valid result, not a crash.
	ErrInconsistent = errors.New("inconsistent: no answer set exists")

	// ErrUnsafeVariable marks a rule variable with no positive,
	// non-arithmetic binding occurrence.
	ErrUnsafeVariable = errors.New("unsafe variable")

	// ErrTypeMismatch marks an ordered comparison between values of
	// different kinds.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrMissingIndex marks a sequence projection whose indices are
	// not a dense range starting at zero.
	ErrMissingIndex = errors.New("missing sequence index")

	// ErrAmbiguousKey marks a dictionary projection key that recurs
	// with different residual bindings.
	ErrAmbiguousKey = errors.New("ambiguous dictionary key")

	// ErrInvalidSpec marks a malformed program or output specification.
	ErrInvalidSpec = errors.New("invalid specification")

	// ErrInvalidConfig marks a rejected engine configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBudgetExceeded marks a solver run stopped by its step budget.
	ErrBudgetExceeded = errors.New("step budget exceeded")
)
