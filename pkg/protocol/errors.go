package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage matches every *InvalidMessageError.
var ErrInvalidMessage = errors.New("invalid message")

// InvalidMessageError reports which envelope field failed validation.
type InvalidMessageError struct {
	MessageID string
	Field     string
	Reason    string
}

func (e *InvalidMessageError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("invalid message %s: %s: %s", e.MessageID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidMessage.
func (e *InvalidMessageError) Unwrap() error {
	return ErrInvalidMessage
}

func invalid(m *Message, field, format string, args ...any) error {
	return &InvalidMessageError{
		MessageID: m.ID,
		Field:     field,
		Reason:    fmt.Sprintf(format, args...),
	}
}
