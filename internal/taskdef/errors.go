package taskdef

import "errors"

// Validation failures wrap these sentinels so callers can classify with
// errors.Is. Any error from Load is fatal to process startup.
var (
	ErrDuplicateID       = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrInvalidDescriptor = errors.New("invalid task descriptor")
)
