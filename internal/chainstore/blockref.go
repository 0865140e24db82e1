// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/math/uint256"
)

// BlockRef identifies an entry of the block index by value.  It houses the
// hash of the block along with its height and the cumulative proof of work of
// the chain ending with it.
//
// Components outside of the chain store never hold references into the block
// index itself.  They keep BlockRef values instead, so entries may be freely
// replaced during reorganizations.
type BlockRef struct {
	Hash   chainhash.Hash
	Height int64
	Work   uint256.Uint256
}

// MoreWorkThan returns whether the referenced block has strictly more
// cumulative work than the other one.
func (r *BlockRef) MoreWorkThan(other *BlockRef) bool {
	return r.Work.Gt(&other.Work)
}

// String returns the block reference in a human-readable form.
func (r BlockRef) String() string {
	return fmt.Sprintf("%v (height %d, work %v)", r.Hash, r.Height, &r.Work)
}
