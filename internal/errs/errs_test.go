package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", &TransientNetworkError{Op: "publish", Err: io.EOF}, true},
		{"wrapped transient", fmt.Errorf("send: %w", &TransientNetworkError{Op: "publish", Err: io.EOF}), true},
		{"ack timeout", &AckTimeoutError{TempID: "t1"}, true},
		{"subscription", &SubscriptionError{ConversationID: "c1", Err: io.EOF}, true},
		{"permanent", &PermanentSendFailure{TempID: "t1", Attempts: 3}, false},
		{"malformed", &MalformedEventError{Kind: "message_insert", Reason: "missing id"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := &SubscriptionError{ConversationID: "c1", Subject: "s", Err: io.ErrUnexpectedEOF}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("SubscriptionError should unwrap to its cause")
	}
	var sub *SubscriptionError
	if !errors.As(fmt.Errorf("outer: %w", err), &sub) || sub.ConversationID != "c1" {
		t.Error("errors.As should find the SubscriptionError")
	}
}
