package runtime

import "errors"

// Error taxonomy for modification commands. Callers match with errors.Is;
// persistence errors from collaborators pass through wrapped.
var (
	// ErrValidation marks bad input detected before any mutation, e.g. an
	// empty id or zero/two instance id sources on a builder.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidActivity marks a reference to an unknown activity or
	// transition, or a transition that cannot be resolved unambiguously.
	ErrInvalidActivity = errors.New("invalid activity reference")

	// ErrAmbiguousActivityInstance is returned when an instruction resolves
	// to more than one candidate execution and no ancestor activity instance
	// id was supplied to disambiguate.
	ErrAmbiguousActivityInstance = errors.New("ambiguous activity instance")

	// ErrNotFound marks an unknown process instance, execution or activity
	// instance.
	ErrNotFound = errors.New("not found")

	// ErrNotCancellable marks a cancellation target that has already been
	// terminated.
	ErrNotCancellable = errors.New("not cancellable")

	// ErrConcurrencyConflict signals that the execution tree changed
	// underneath the current unit of work. Retryable.
	ErrConcurrencyConflict = errors.New("concurrent modification of execution tree")
)
