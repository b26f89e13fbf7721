package queue

import (
	"errors"
	"fmt"
)

// ErrRateLimited rejects an enqueue that exceeds the per-user rate window.
var ErrRateLimited = errors.New("enqueue rate limit exceeded")

// ValidationError rejects malformed enqueue parameters synchronously;
// nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is an enqueue validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
