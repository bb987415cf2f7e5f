package event

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a stream failure.
type ErrorKind string

const (
	// KindCircuitOpen means the upstream is known-bad and the request was
	// fast-failed without touching the network.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindConnectionFailed means the upstream stream could not be established.
	KindConnectionFailed ErrorKind = "connection_failed"
	// KindProtocolError means the upstream sent unparseable data.
	KindProtocolError ErrorKind = "protocol_error"
	// KindStreamInterrupted means the connection dropped after partial delivery.
	KindStreamInterrupted ErrorKind = "stream_interrupted"
	// KindSessionConflict means a rebind to a different external session id
	// was attempted.
	KindSessionConflict ErrorKind = "session_conflict"
	// KindUpstreamRejected means the upstream returned a well-formed error
	// response, e.g. invalid credentials or quota exceeded.
	KindUpstreamRejected ErrorKind = "upstream_rejected"
	// KindTimeout means the stream exceeded its maximum duration without a
	// terminal event.
	KindTimeout ErrorKind = "timeout"
)

// ProxyError is the error type carried through the orchestrator. It maps
// one-to-one onto the Error event variant. Caller cancellation is never a
// ProxyError; it surfaces as context.Canceled from Run.
type ProxyError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProxyError) Unwrap() error { return e.Cause }

// Event converts the error into its terminal event form.
func (e *ProxyError) Event() Event {
	return NewError(e.Kind, e.Message, e.Retryable)
}

// NewProxyError builds a ProxyError.
func NewProxyError(kind ErrorKind, message string, retryable bool, cause error) *ProxyError {
	return &ProxyError{Kind: kind, Message: message, Retryable: retryable, Cause: cause}
}

// Classify normalizes an arbitrary error from the connect path into a
// ProxyError. Context errors pass through untouched so the orchestrator can
// tell caller cancellation apart from upstream failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewProxyError(KindConnectionFailed, "upstream connection timed out", true, err)
	}
	return NewProxyError(KindConnectionFailed, "failed to reach upstream", true, err)
}

// CountsForBreaker reports whether an error contributes to the circuit
// breaker failure counter. Semantic rejections do not trip the breaker.
func CountsForBreaker(err error) bool {
	var pe *ProxyError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindConnectionFailed, KindStreamInterrupted, KindTimeout:
		return true
	case KindUpstreamRejected:
		return pe.Retryable
	default:
		return false
	}
}

// IsRetryable reports whether a connect-phase error may be retried with
// backoff inside the same invocation.
func IsRetryable(err error) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
