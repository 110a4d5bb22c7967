package memory

import "errors"

var (
	// ErrInvalidSnapshot indicates a persisted memory structure that cannot be
	// restored without breaking an invariant.
	ErrInvalidSnapshot = errors.New("invalid memory snapshot")
)
