// Package errs defines the failure taxonomy of the sync engine.
//
// None of these errors crosses the public conversation API. Each one is
// resolved into observable state: a message status, the channel's
// connection status, or HasMoreOlder staying false.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// TransientNetworkError is a retryable transport failure. It drives channel backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// AckTimeoutError means a send was not confirmed within the send timeout.
type AckTimeoutError struct {
	TempID  string
	Attempt int
	After   time.Duration
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("no ack for %s after %s (attempt %d)", e.TempID, e.After, e.Attempt)
}

// PermanentSendFailure is returned once retries for a send are exhausted.
// It requires manual user action.
type PermanentSendFailure struct {
	TempID   string
	Attempts int
	Err      error
}

func (e *PermanentSendFailure) Error() string {
	return fmt.Sprintf("send %s failed after %d attempts: %v", e.TempID, e.Attempts, e.Err)
}

func (e *PermanentSendFailure) Unwrap() error { return e.Err }

// SubscriptionError means a channel subscription could not be established.
type SubscriptionError struct {
	ConversationID string
	Subject        string
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s (%s): %v", e.Subject, e.ConversationID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// MalformedEventError marks an inbound event that could not be decoded.
// Such events are dropped and logged.
type MalformedEventError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %q event: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %q event: %s", e.Kind, e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried automatically.
func IsRetryable(err error) bool {
	var transient *TransientNetworkError
	var timeout *AckTimeoutError
	var sub *SubscriptionError
	switch {
	case errors.As(err, &transient), errors.As(err, &timeout), errors.As(err, &sub):
		return true
	default:
		return false
	}
}
