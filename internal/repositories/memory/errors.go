package memory

import "fmt"

// Error categorises memory store failures the same way the persistent stores do.
type Error struct {
	Op       string
	Message  string
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("memory.%s: %s", e.Op, e.Message)
}

func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, message string) error {
	return &Error{Op: op, Message: message, notFound: true}
}

func conflict(op, message string) error {
	return &Error{Op: op, Message: message, conflict: true}
}
