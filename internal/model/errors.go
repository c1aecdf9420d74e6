package model

import (
	"github.com/pkg/errors"
)

// Failure taxonomy. Every operation wraps one of these with context; callers
// match with errors.Is.
var (
	ErrAlreadyExists     = errors.New("race: already exists")
	ErrNotFound          = errors.New("race: not found")
	ErrInvalidState      = errors.New("race: invalid state")
	ErrUnauthorized      = errors.New("race: unauthorized")
	ErrCapacityExceeded  = errors.New("race: capacity exceeded")
	ErrValueMismatch     = errors.New("race: value mismatch")
	ErrOracleDataMissing = errors.New("race: oracle data missing")
	ErrAlreadyWithdrawn  = errors.New("race: already withdrawn")
)

// IsRetriable reports whether the same call may succeed later without the
// caller changing its arguments. Only missing oracle data qualifies: the
// feeder can still push the point.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrOracleDataMissing)
}
