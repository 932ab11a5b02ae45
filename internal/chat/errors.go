package chat

import (
	"errors"
	"fmt"
)

var (
	ErrSendInFlight   = errors.New("a message is already being sent")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoConversation = errors.New("no conversation selected")
)

// SendError is returned when a send was rolled back. Text is what the user
// typed, so the composer can be restored.
type SendError struct {
	ConversationID string
	Text           string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
