package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a file's contents no longer match the etag
// they were scheduled with.
var ErrFileChanged = New("file contents changed during transfer")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ProtocolViolation is returned when the server sends something that the
// current session state can't accept. It's always fatal to the session.
type ProtocolViolation struct {
	State  string
	Reason string
}

func (err ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in state %s: %s", err.State, err.Reason)
}

// IntegrityViolation is returned when the data reported by the server can't
// be reconciled with what the client has verified so far.
type IntegrityViolation struct {
	Reason string
}

func (err IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation: %s", err.Reason)
}

// MalformedProof is returned when a proof's structure doesn't justify the
// operation it was sent for.
type MalformedProof struct {
	Pathname string
	Reason   string
}

func (err MalformedProof) Error() string {
	return fmt.Sprintf("malformed proof for %q: %s", err.Pathname, err.Reason)
}

// WrongBasisFromProof is returned when a proof recomputes to a basis other
// than the one the client expected the operation to apply to.
type WrongBasisFromProof struct {
	Claimed  string
	Expected string
}

func (err WrongBasisFromProof) Error() string {
	return fmt.Sprintf("proof is rooted at basis %s, expected %s",
		err.Claimed, err.Expected)
}

// WrongBasisAfterUpdating is returned when the server commits a transaction
// to a basis other than the locally computed candidate.
type WrongBasisAfterUpdating struct {
	Claimed  string
	Expected string
}

func (err WrongBasisAfterUpdating) Error() string {
	return fmt.Sprintf("server committed basis %s, expected %s",
		err.Claimed, err.Expected)
}

// IsIntegrityViolation returns whether any error in the chain of `err`
// signals that the server can't be trusted.
func IsIntegrityViolation(err error) bool {
	var (
		violation  IntegrityViolation
		malformed  MalformedProof
		fromProof  WrongBasisFromProof
		afterWrite WrongBasisAfterUpdating
	)
	return As(err, &violation) || As(err, &malformed) ||
		As(err, &fromProof) || As(err, &afterWrite)
}

// IsProtocolViolation returns whether any error in the chain of `err` is a
// ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var violation ProtocolViolation
	return As(err, &violation)
}
