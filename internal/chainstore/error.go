// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
)

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific RuleError.
const (
	// ErrDuplicateBlock indicates a block with the same hash already
	// exists.
	ErrDuplicateBlock = ErrorKind("ErrDuplicateBlock")

	// ErrMissingParent indicates that the block was an orphan.
	ErrMissingParent = ErrorKind("ErrMissingParent")

	// ErrMissingTxOut indicates a transaction output referenced by an input
	// either does not exist or has already been spent.
	ErrMissingTxOut = ErrorKind("ErrMissingTxOut")

	// ErrKnownInvalidBlock indicates that this block has previously failed
	// validation.
	ErrKnownInvalidBlock = ErrorKind("ErrKnownInvalidBlock")

	// ErrInvalidAncestorBlock indicates that an ancestor of this block has
	// failed validation.
	ErrInvalidAncestorBlock = ErrorKind("ErrInvalidAncestorBlock")

	// ErrUnknownBlock indicates a requested block does not exist.
	ErrUnknownBlock = ErrorKind("ErrUnknownBlock")

	// ErrNoTransactions indicates the block does not have at least one
	// transaction.  A valid block must have at least the coinbase
	// transaction.
	ErrNoTransactions = ErrorKind("ErrNoTransactions")

	// ErrFirstTxNotCoinbase indicates the first transaction in a block is
	// not a coinbase transaction.
	ErrFirstTxNotCoinbase = ErrorKind("ErrFirstTxNotCoinbase")

	// ErrMultipleCoinbases indicates a block contains more than one
	// coinbase transaction.
	ErrMultipleCoinbases = ErrorKind("ErrMultipleCoinbases")

	// ErrDuplicateTx indicates a block contains an identical transaction
	// (or at least two transactions which hash to the same value).
	ErrDuplicateTx = ErrorKind("ErrDuplicateTx")

	// ErrBadTransaction indicates a transaction in the block failed the
	// context free sanity checks.
	ErrBadTransaction = ErrorKind("ErrBadTransaction")

	// ErrBadMerkleRoot indicates the calculated merkle root does not match
	// the expected value.
	ErrBadMerkleRoot = ErrorKind("ErrBadMerkleRoot")

	// ErrUnexpectedDifficulty indicates specified bits do not align with
	// the expected value either because it is above the valid range.
	ErrUnexpectedDifficulty = ErrorKind("ErrUnexpectedDifficulty")

	// ErrHighHash indicates the block does not hash to a value which is
	// lower than the required target difficultly.
	ErrHighHash = ErrorKind("ErrHighHash")

	// ErrBadBlockHeight indicates that a block header's embedded block
	// height was different from where it was actually embedded in the block
	// chain.
	ErrBadBlockHeight = ErrorKind("ErrBadBlockHeight")

	// ErrDoubleSpend indicates a transaction spends an output that was
	// already spent by another transaction in the same block.
	ErrDoubleSpend = ErrorKind("ErrDoubleSpend")

	// ErrSpendTooHigh indicates a transaction is attempting to spend more
	// value than the sum of all of its inputs.
	ErrSpendTooHigh = ErrorKind("ErrSpendTooHigh")

	// ErrNotMoreWork indicates a reorganization was requested to a tip that
	// does not have more cumulative work than the current best chain.
	ErrNotMoreWork = ErrorKind("ErrNotMoreWork")

	// ErrDatabase indicates a failure of the underlying storage.  The chain
	// state can not be trusted after such a failure.
	ErrDatabase = ErrorKind("ErrDatabase")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// RuleError identifies a rule violation.  It has full support for errors.Is
// and errors.As, so the caller can ascertain the specific reason for the
// error by checking the underlying error.
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

// unknownBlockError create a RuleError with the kind ErrUnknownBlock and a
// description that includes the provided hash.
func unknownBlockError(hash *chainhash.Hash) RuleError {
	str := fmt.Sprintf("block %s is not known", hash)
	return ruleError(ErrUnknownBlock, str)
}

// dbError wraps an error returned by the underlying storage with ErrDatabase.
func dbError(desc string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDatabase, desc, err)
}

// IsTransient returns whether the error indicates a dependency of the block or
// transaction is not available yet.  Such failures may succeed when retried
// after the dependency becomes available.
func IsTransient(err error) bool {
	return errors.Is(err, ErrMissingParent) ||
		errors.Is(err, ErrMissingTxOut) ||
		errors.Is(err, scriptcheck.ErrMissingTxOut)
}

// IsFatal returns whether the error indicates a failure of the underlying
// storage.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDatabase)
}
