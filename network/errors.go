package network

import "errors"

var (
	// ErrNegotiationFailed indicates the peer transport failed or closed
	// before the attempt finished.
	ErrNegotiationFailed = errors.New("network: negotiation failed")
	// ErrAttemptInProgress indicates an attempt for the same code is running.
	ErrAttemptInProgress = errors.New("network: attempt already in progress")
	// ErrLinkClosed indicates the link was closed locally.
	ErrLinkClosed = errors.New("network: link closed")
)

// Phase names the part of an attempt a failure happened in.
type Phase string

const (
	PhaseNegotiating  Phase = "negotiating"
	PhaseTransferring Phase = "transferring"
)

// AttemptError is returned by Manager for every failed attempt.
type AttemptError struct {
	Phase Phase
	Err   error
}

func (e *AttemptError) Error() string {
	if e.Err == nil {
		return string(e.Phase)
	}
	return string(e.Phase) + ": " + e.Err.Error()
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

func attemptError(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var existing *AttemptError
	if errors.As(err, &existing) {
		return err
	}
	return &AttemptError{Phase: phase, Err: err}
}
