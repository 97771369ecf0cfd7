package session

import (
	"context"
	"errors"
)

// ErrNoDevice means the scan pass completed without any advertisement whose
// name ends in the configured sensor id.
var ErrNoDevice = errors.New("no device matching sensor id")

// Stages at which a session can fail fatally.
const (
	StageDiscover  = "discover"
	StageConnect   = "connect"
	StageSubscribe = "subscribe"
)

// FatalError wraps an error that ended the session before streaming. The
// Stage tells bookkeeping which step gave out.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Outcome classifies the error returned by Run into the label recorded with
// the session.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "aborted"
	case errors.Is(err, ErrNoDevice):
		return "device_not_found"
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Stage + "_failed"
	}
	return "failed"
}

func fatal(stage string, err error) error {
	return &FatalError{Stage: stage, Err: err}
}
