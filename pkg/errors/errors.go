package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns an error with the given message. The message is formatted with
// the given arguments.
func New(msg string, args ...interface{}) error {
	return goerrors.New(fmt.Sprintf(msg, args...))
}

// Is and As are re-exported so that callers don't need to import both error
// packages.
var (
	Is = goerrors.Is
	As = goerrors.As
)

// withContext wraps an error with a short description of what was being
// attempted when the error occurred.
type withContext struct {
	context string
	err     error
}

// WithContext annotates `err` with `context`. The context should be a short
// description of the action that failed, e.g. "open file".
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return withContext{context, err}
}

func (err withContext) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err withContext) Unwrap() error {
	return err.err
}

// FriendlyError is an error whose message is meant to be shown to users
// without any additional context.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError with the formatted message.
func NewFriendlyError(msg string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(msg, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the user facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

type friendlyError interface {
	FriendlyMessage() string
}

// RootCause returns the innermost error wrapped by `err`.
func RootCause(err error) error {
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
}

// GetPrintableMessage returns the message that should be shown to users for
// `err`. If any error in the chain is friendly, its message is used.
// Otherwise, the full error string is returned.
func GetPrintableMessage(err error) string {
	for e := err; e != nil; e = goerrors.Unwrap(e) {
		if friendly, ok := e.(friendlyError); ok {
			return friendly.FriendlyMessage()
		}
	}
	return err.Error()
}
