package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("chat: not found")
	ErrInvalidArgument = errors.New("chat: invalid argument")
	ErrForbidden       = errors.New("chat: forbidden")
	// ErrNotReady is returned by View operations that need a loaded conversation.
	ErrNotReady = errors.New("chat: view not ready")
)

// RemoteError wraps a failure of the backing store or change feed.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// EnrichmentError reports a failed sender profile lookup for a live message.
// The message is still displayed, with a placeholder sender.
type EnrichmentError struct {
	MessageID string
	SenderID  string
	Err       error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("chat: enrich message %s (sender %s): %v", e.MessageID, e.SenderID, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}
