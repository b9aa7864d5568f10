package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist. A cache
// lookup with no fresh row also returns it.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a status update would leave a
// terminal state or otherwise break the execution lifecycle.
var ErrInvalidTransition = errors.New("storage: invalid status transition")
