package meadtools

import (
	"errors"
	"fmt"
)

// AuthError means MeadTools rejected our credentials. Fatal to all uploads
// until the operator supplies new credentials; never retried automatically.
type AuthError struct {
	Op string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("meadtools: %s: credentials rejected", e.Op)
}

// UploadError classifies a failed request against the brewing-log service.
// Retryable failures (timeouts, resets, 5xx) are retried with backoff;
// everything else is dropped for that reading only.
type UploadError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UploadError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err != nil {
		return fmt.Sprintf("meadtools: %s (%s): %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("meadtools: %s (%s): status %d", e.Op, kind, e.StatusCode)
}

func (e *UploadError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient upload failure.
func IsRetryable(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue) && ue.Retryable
}
