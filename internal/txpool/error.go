// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txpool

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

const (
	// ErrInvalid indicates the transaction failed the context free sanity
	// checks.
	ErrInvalid = ErrorKind("ErrInvalid")

	// ErrMempoolDoubleSpend indicates a transaction that attempts to spend
	// coins already spent by other transactions in the pool.
	ErrMempoolDoubleSpend = ErrorKind("ErrMempoolDoubleSpend")

	// ErrDuplicate indicates a transaction already exists in the pool.
	ErrDuplicate = ErrorKind("ErrDuplicate")

	// ErrAlreadyExists indicates a transaction already exists in the main
	// chain.
	ErrAlreadyExists = ErrorKind("ErrAlreadyExists")

	// ErrCoinbase indicates a transaction is a standalone coinbase
	// transaction.
	ErrCoinbase = ErrorKind("ErrCoinbase")

	// ErrSpendTooHigh indicates a transaction attempts to spend more value
	// than the sum of all of its inputs.
	ErrSpendTooHigh = ErrorKind("ErrSpendTooHigh")

	// ErrBadOutputIndex indicates a transaction references an output of a
	// transaction in the pool that does not exist.
	ErrBadOutputIndex = ErrorKind("ErrBadOutputIndex")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a transaction failed due to one of the many validation
// rules.  It has full support for errors.Is and errors.As, so the caller
// can ascertain the specific reason for the error by checking the
// underlying error.
type RuleError struct {
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// ruleError creates an Error given a set of arguments.
func ruleError(kind ErrorKind, desc string) RuleError {
	return RuleError{Err: kind, Description: desc}
}
