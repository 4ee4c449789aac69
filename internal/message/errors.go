package message

import "fmt"

// ValidationError rejects malformed message input before anything is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("subway: invalid message %s: %s", e.Field, e.Reason)
}
