// Copyright (c) 2020-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package admission

import (
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrsyncd/internal/blockcache"
)

// PeerNotifier provides an interface to notify the peer layer of the decisions
// the manager makes about connected peers.
type PeerNotifier interface {
	// RequestBlock requests the block with the provided hash from the peer.
	RequestBlock(peerID int32, hash *chainhash.Hash)

	// Misbehaving reports that the misbehavior score of the peer increased
	// to the provided value.
	Misbehaving(peerID int32, score uint32, reason string)

	// Ban bans the peer.
	Ban(peerID int32, reason string)

	// Disconnect disconnects the peer without banning it.
	Disconnect(peerID int32, reason string)
}

// Chain defines the chain state the manager admits blocks to.  It is
// implemented by the chain store.
type Chain interface {
	blockcache.Chain

	// IsKnownInvalid returns whether the block is stored and known to have
	// failed validation or to descend from such a block.
	IsKnownInvalid(hash *chainhash.Hash) bool

	// HaveTransaction returns whether or not the transaction is part of
	// the main chain.
	HaveTransaction(hash *chainhash.Hash) bool

	// BlockByHash returns the stored block with the provided hash.
	BlockByHash(hash *chainhash.Hash) (*dcrutil.Block, error)

	// Reorganize switches the main chain to the stored block with the
	// provided hash.
	Reorganize(tipHash *chainhash.Hash) error
}

// TxPool defines the transaction pool the manager admits transactions to.
type TxPool interface {
	// MaybeAcceptTransaction attempts to accept the transaction.  A nil
	// error with a non-empty slice of missing parents means the transaction
	// is an orphan.
	MaybeAcceptTransaction(tx *dcrutil.Tx) ([]*chainhash.Hash, error)

	// HaveTransaction returns whether or not the transaction is in the
	// pool.
	HaveTransaction(hash *chainhash.Hash) bool

	// RemoveConfirmed removes the transactions of the block along with the
	// transactions that conflict with them.
	RemoveConfirmed(block *dcrutil.Block) int

	// Count returns the number of transactions in the pool.
	Count() int
}
