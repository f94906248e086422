package pipeline

import (
	"context"
	"errors"
	"net"

	"github.com/loglens/api/internal/client"
)

// stageError tags a handler error with its retry class.
type stageError struct {
	err       error
	transient bool
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Transient marks an error as retryable within the stage's policy.
func Transient(err error) error {
	return &stageError{err: err, transient: true}
}

// Permanent marks an error as final: the stage sequence stops and the job
// fails.
func Permanent(err error) error {
	return &stageError{err: err, transient: false}
}

// isTransient classifies an error for the retry loop. Explicit marks win;
// otherwise provider status codes, deadline expiry and network timeouts are
// transient, everything else is permanent.
func isTransient(err error) bool {
	var se *stageError
	if errors.As(err, &se) {
		return se.transient
	}
	var status *client.StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
