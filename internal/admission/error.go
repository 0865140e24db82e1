// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package admission

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific RuleError.
const (
	// ErrMalformedBlock indicates the bytes received from a peer do not
	// decode to a block.
	ErrMalformedBlock = ErrorKind("ErrMalformedBlock")

	// ErrMalformedTx indicates the bytes received from a peer do not
	// decode to a transaction.
	ErrMalformedTx = ErrorKind("ErrMalformedTx")

	// ErrKnownInvalidBlock indicates a block that previously failed
	// validation was received again.
	ErrKnownInvalidBlock = ErrorKind("ErrKnownInvalidBlock")

	// ErrInvalidAncestorBlock indicates a block builds on a block that
	// previously failed validation.
	ErrInvalidAncestorBlock = ErrorKind("ErrInvalidAncestorBlock")

	// ErrShuttingDown indicates an event could not be processed because the
	// manager is shutting down.
	ErrShuttingDown = ErrorKind("ErrShuttingDown")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// RuleError identifies a reason a block or transaction received from a peer
// was rejected by the manager itself.  It has full support for errors.Is and
// errors.As, so the caller can ascertain the specific reason for the error by
// checking the underlying error.
type RuleError struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(kind ErrorKind, desc string) RuleError {
	return RuleError{Err: kind, Description: desc}
}
