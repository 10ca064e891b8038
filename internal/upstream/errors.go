package upstream

import "errors"

var (
	// ErrEndpointTimeout means the upstream never announced where to POST messages.
	ErrEndpointTimeout = errors.New("endpoint timeout")
	// ErrSendFailed matches every error returned by Send.
	ErrSendFailed = errors.New("upstream send failed")
	// ErrClosed is the cause of sends rejected after Close.
	ErrClosed = errors.New("upstream session closed")
	// ErrStreamEnded means the upstream closed the event stream.
	ErrStreamEnded = errors.New("upstream event stream ended")
	// ErrAlreadyStarted is returned when Connect is called twice.
	ErrAlreadyStarted = errors.New("upstream session already started")
)

// SendError reports why a message could not be delivered upstream.
type SendError struct {
	Cause error
}

func (e *SendError) Error() string { return "upstream send failed: " + e.Cause.Error() }

// Unwrap exposes both ErrSendFailed and the underlying cause to errors.Is.
func (e *SendError) Unwrap() []error { return []error{ErrSendFailed, e.Cause} }
