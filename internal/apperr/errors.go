package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrDataUnavailable means the event source is missing, empty, or unreadable.
	// Callers degrade to an empty result rather than failing hard.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrModelUnavailable means no trained classifier is loaded.
	ErrModelUnavailable = errors.New("model not available")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")

	ErrTrainingInProgress = errors.New("training already in progress")
	// ErrModelConfig marks a partially persisted model artifact.
	ErrModelConfig = errors.New("model artifact incomplete")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Wrap adds context while keeping the sentinel reachable through errors.Is.
func Wrap(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
