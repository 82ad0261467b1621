package gigachat

import (
	"errors"
	"fmt"
)

// AuthError means the credential exchange itself failed. It stays permanent
// until an operator fixes the credentials.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gigachat auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// GenerationError wraps a failed generation call. Transient failures
// (timeouts, 502/503/504) are worth retrying from the caller; permanent ones
// are not.
type GenerationError struct {
	Transient bool
	Err       error
}

func (e *GenerationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("gigachat generation (%s): %v", kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable generation failure.
func IsTransient(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Transient
}
