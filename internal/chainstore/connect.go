// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
	"github.com/syndtr/goleveldb/leveldb"
)

// isCoinBaseTx returns whether the transaction is a coinbase.
func isCoinBaseTx(tx *wire.MsgTx) bool {
	return standalone.IsCoinBaseTx(tx, false)
}

// CheckProofOfWork ensures the difficulty bits of the header are in the valid
// range for the provided limit and that the proof of work hash of the header
// is not higher than the target.  Either the original BLAKE-256 or the newer
// BLAKE3 proof of work hash is accepted since the stored chain may span the
// change of the hash function.
func CheckProofOfWork(header *wire.BlockHeader, powLimit *big.Int) error {
	err := standalone.CheckProofOfWorkRange(header.Bits, powLimit)
	if err != nil {
		str := fmt.Sprintf("block has invalid difficulty bits: %v", err)
		return ruleError(ErrUnexpectedDifficulty, str)
	}

	powHash := header.PowHashV2()
	if standalone.CheckProofOfWorkHash(&powHash, header.Bits) == nil {
		return nil
	}
	powHash = header.PowHashV1()
	if err := standalone.CheckProofOfWorkHash(&powHash, header.Bits); err != nil {
		str := fmt.Sprintf("block has insufficient proof of work: %v", err)
		return ruleError(ErrHighHash, str)
	}
	return nil
}

// checkBlockSanity performs the context free checks on the block that do not
// depend on its position in the chain.
func (s *Store) checkBlockSanity(block *dcrutil.Block) error {
	msgBlock := block.MsgBlock()
	header := &msgBlock.Header

	// Ensure the difficulty bits are in the valid range and the block hash
	// meets the target.
	if err := CheckProofOfWork(header, s.cfg.Params.PowLimit); err != nil {
		return err
	}

	// A block must have at least one regular transaction.
	numTx := len(msgBlock.Transactions)
	if numTx == 0 {
		return ruleError(ErrNoTransactions, "block does not contain any "+
			"transactions")
	}

	// The first transaction in a block must be a coinbase.
	if !isCoinBaseTx(msgBlock.Transactions[0]) {
		str := "first transaction in block is not a coinbase"
		return ruleError(ErrFirstTxNotCoinbase, str)
	}

	// A block must not have more than one coinbase.
	for i, tx := range msgBlock.Transactions[1:] {
		if isCoinBaseTx(tx) {
			str := fmt.Sprintf("block contains second coinbase at index %d",
				i+1)
			return ruleError(ErrMultipleCoinbases, str)
		}
	}

	// Do some preliminary checks on each transaction to ensure they are
	// sane before continuing.
	maxTxSize := uint64(s.cfg.Params.MaximumBlockSizes[0])
	existingTxHashes := make(map[chainhash.Hash]struct{}, numTx)
	for _, tx := range block.Transactions() {
		if err := standalone.CheckTransactionSanity(tx.MsgTx(), maxTxSize); err != nil {
			str := fmt.Sprintf("transaction %v failed sanity checks: %v",
				tx.Hash(), err)
			return ruleError(ErrBadTransaction, str)
		}

		hash := tx.Hash()
		if _, exists := existingTxHashes[*hash]; exists {
			str := fmt.Sprintf("block contains duplicate transaction %v",
				hash)
			return ruleError(ErrDuplicateTx, str)
		}
		existingTxHashes[*hash] = struct{}{}
	}

	// Build the merkle tree and ensure the calculated merkle root matches
	// the entry in the block header.
	wantMerkleRoot := standalone.CalcTxTreeMerkleRoot(msgBlock.Transactions)
	if header.MerkleRoot != wantMerkleRoot {
		str := fmt.Sprintf("block merkle root is invalid - block header "+
			"indicates %v, but calculated value is %v", header.MerkleRoot,
			wantMerkleRoot)
		return ruleError(ErrBadMerkleRoot, str)
	}

	return nil
}

// pendingBlock houses the database changes produced by connecting a block to
// the tip of the main chain.
type pendingBlock struct {
	view    *UtxoViewpoint
	journal []spentOutput
}

// checkConnectBlock validates the block against the unspent outputs as of the
// tip of the main chain, which must be its parent, and verifies the scripts of
// all of its inputs.
//
// This function MUST be called with the chain lock held (for writes).
func (s *Store) checkConnectBlock(block *dcrutil.Block, height int64) (*pendingBlock, error) {
	view := newUtxoViewpoint(s)
	var journal []spentOutput
	var err error
	for i, tx := range block.Transactions() {
		journal, err = view.connectTransaction(tx, height, i == 0, journal)
		if err != nil {
			return nil, err
		}
	}

	units, err := scriptcheck.BlockUnits(block, view, s.cfg.ScriptFlags,
		s.cfg.SigCache)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.ScriptQueue.Verify(units); err != nil {
		return nil, err
	}

	return &pendingBlock{view: view, journal: journal}, nil
}

// putBlockChanges adds the changes needed to make the provided block the tip of
// the main chain to the batch.
func putBlockChanges(batch *leveldb.Batch, block *dcrutil.Block, pending *pendingBlock) {
	for outpoint, entry := range pending.view.entries {
		if !entry.isModified() {
			continue
		}
		key := outpointKey(&outpoint)
		if entry.IsSpent() {
			batch.Delete(key)
			continue
		}
		batch.Put(key, serializeUtxoEntry(entry))
	}

	hash := block.Hash()
	batch.Put(prefixedKey(prefixSpendJournal, hash[:]),
		serializeSpendJournal(pending.journal))
	for _, tx := range block.Transactions() {
		batch.Put(prefixedKey(prefixTxIndex, tx.Hash()[:]), hash[:])
	}
	batch.Put(bestChainKey, hash[:])
}

// connectToTip validates the block, which must extend the main chain, and
// commits it as the new tip.
//
// This function MUST be called with the chain lock held (for writes).
func (s *Store) connectToTip(node *blockNode, block *dcrutil.Block, storeBlock bool) error {
	pending, err := s.checkConnectBlock(block, node.height)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if storeBlock {
		blockBytes, err := block.Bytes()
		if err != nil {
			return err
		}
		batch.Put(prefixedKey(prefixBlocks, node.hash[:]), blockBytes)
	}
	putBlockChanges(batch, block, pending)
	if err := s.db.Write(batch, nil); err != nil {
		return dbError(fmt.Sprintf("failed to connect block %v", node.hash),
			err)
	}

	node.status |= statusValidated
	s.mainChain = append(s.mainChain, node.hash)
	return nil
}

// disconnectTip removes the current tip from the main chain by restoring the
// outputs it spent and removing the outputs it created.
//
// This function MUST be called with the chain lock held (for writes).
func (s *Store) disconnectTip() error {
	tip := s.tip()
	if tip.height == 0 {
		return errors.New("unable to disconnect the genesis block")
	}
	block, err := s.dbFetchBlock(&tip.hash)
	if err != nil {
		return err
	}

	journalKey := prefixedKey(prefixSpendJournal, tip.hash[:])
	serialized, err := s.db.Get(journalKey, nil)
	if err != nil {
		return dbError(fmt.Sprintf("failed to fetch spend journal for %v",
			tip.hash), err)
	}
	journal, err := deserializeSpendJournal(serialized)
	if err != nil {
		return dbError(fmt.Sprintf("failed to decode spend journal for %v",
			tip.hash), err)
	}

	batch := new(leveldb.Batch)
	blockTxns := make(map[chainhash.Hash]struct{})
	for _, tx := range block.Transactions() {
		blockTxns[*tx.Hash()] = struct{}{}
		outpoint := wire.OutPoint{Hash: *tx.Hash(), Tree: wire.TxTreeRegular}
		for txOutIdx := range tx.MsgTx().TxOut {
			outpoint.Index = uint32(txOutIdx)
			batch.Delete(outpointKey(&outpoint))
		}
		batch.Delete(prefixedKey(prefixTxIndex, tx.Hash()[:]))
	}

	// Restore the spent outputs that existed before the block.  Outputs
	// both created and spent by the block were removed above.
	for i := range journal {
		spent := &journal[i]
		if _, ok := blockTxns[spent.outpoint.Hash]; ok {
			continue
		}
		batch.Put(outpointKey(&spent.outpoint), serializeUtxoEntry(spent.entry))
	}
	batch.Delete(journalKey)
	batch.Put(bestChainKey, tip.parent[:])
	if err := s.db.Write(batch, nil); err != nil {
		return dbError(fmt.Sprintf("failed to disconnect block %v", tip.hash),
			err)
	}

	s.mainChain[len(s.mainChain)-1] = chainhash.Hash{}
	s.mainChain = s.mainChain[:len(s.mainChain)-1]
	log.Debugf("Disconnected block %v (height %d)", tip.hash, tip.height)
	return nil
}

// markInvalid marks the node as having failed validation and all of its
// descendants as having an invalid ancestor.  The failure is persisted.
//
// This function MUST be called with the chain lock held (for writes).
func (s *Store) markInvalid(node *blockNode) error {
	node.status |= statusValidateFailed
	if err := s.db.Put(prefixedKey(prefixInvalid, node.hash[:]), nil, nil); err != nil {
		return dbError(fmt.Sprintf("failed to mark block %v invalid",
			node.hash), err)
	}

	descendants := append([]chainhash.Hash(nil), s.children[node.hash]...)
	for len(descendants) > 0 {
		hash := descendants[0]
		descendants = descendants[1:]
		if child, ok := s.index[hash]; ok {
			child.status |= statusInvalidAncestor
			descendants = append(descendants, s.children[hash]...)
		}
	}
	return nil
}

// ConnectBlock validates the provided block and adds it to the block index.  A
// block that extends the tip of the main chain is fully validated and becomes
// the new tip.  A block that extends any other block is stored as a side chain
// block without validating its transactions.
//
// The returned fork length is zero when the block became the new tip and
// otherwise the number of blocks between the block and its fork point with the
// main chain, including the block itself.
//
// Errors for blocks whose parent is unknown have the kind ErrMissingParent.
// Failures of the underlying storage have the kind ErrDatabase and leave the
// chain in an unknown state.
//
// This function is safe for concurrent access.
func (s *Store) ConnectBlock(block *dcrutil.Block) (int64, error) {
	s.chainLock.Lock()
	defer s.chainLock.Unlock()

	hash := block.Hash()
	if node, ok := s.index[*hash]; ok {
		if node.status.knownInvalid() {
			str := fmt.Sprintf("block %v is known to be invalid", hash)
			return 0, ruleError(ErrKnownInvalidBlock, str)
		}
		str := fmt.Sprintf("already have block %v", hash)
		return 0, ruleError(ErrDuplicateBlock, str)
	}

	if err := s.checkBlockSanity(block); err != nil {
		return 0, err
	}

	header := &block.MsgBlock().Header
	parent, ok := s.index[header.PrevBlock]
	if !ok {
		str := fmt.Sprintf("previous block %v of block %v is not known",
			header.PrevBlock, hash)
		return 0, ruleError(ErrMissingParent, str)
	}
	if parent.status.knownInvalid() {
		str := fmt.Sprintf("previous block %v is known to be invalid",
			header.PrevBlock)
		return 0, ruleError(ErrInvalidAncestorBlock, str)
	}

	// Ensure the header commits to the height it is connected at.
	blockHeight := parent.height + 1
	if int64(header.Height) != blockHeight {
		str := fmt.Sprintf("block header commitment to height %d does not "+
			"match chain height %d", header.Height, blockHeight)
		return 0, ruleError(ErrBadBlockHeight, str)
	}

	node := &blockNode{
		hash:   *hash,
		parent: header.PrevBlock,
		height: blockHeight,
		header: *header,
	}
	node.workSum.SetBig(standalone.CalcWork(header.Bits))
	node.workSum.Add(&parent.workSum)

	// Fully validate and connect blocks that extend the main chain.
	if parent.hash == s.tip().hash {
		if err := s.connectToTip(node, block, true); err != nil {
			return 0, err
		}
		s.index[node.hash] = node
		s.children[node.parent] = append(s.children[node.parent], node.hash)
		log.Debugf("Connected block %v (height %d)", hash, blockHeight)
		return 0, nil
	}

	// Store side chain blocks so they are available for a later
	// reorganization.
	blockBytes, err := block.Bytes()
	if err != nil {
		return 0, err
	}
	err = s.db.Put(prefixedKey(prefixBlocks, hash[:]), blockBytes, nil)
	if err != nil {
		return 0, dbError(fmt.Sprintf("failed to store block %v", hash), err)
	}
	s.index[node.hash] = node
	s.children[node.parent] = append(s.children[node.parent], node.hash)

	fork := s.forkPoint(node)
	forkLen := node.height - fork.height
	log.Debugf("Stored side chain block %v (height %d, fork length %d)", hash,
		blockHeight, forkLen)
	return forkLen, nil
}

// Reorganize switches the main chain to the chain ending with the stored block
// with the provided hash, which must have more cumulative work than the
// current tip.  The blocks of the new chain are fully validated as they are
// connected.  When one of them fails validation, it is marked invalid, the
// original main chain is restored, and the validation error is returned.
//
// This function is safe for concurrent access.
func (s *Store) Reorganize(tipHash *chainhash.Hash) error {
	s.chainLock.Lock()
	defer s.chainLock.Unlock()

	target, ok := s.index[*tipHash]
	if !ok {
		return unknownBlockError(tipHash)
	}
	if target.status.knownInvalid() {
		str := fmt.Sprintf("block %v is known to be invalid", tipHash)
		return ruleError(ErrKnownInvalidBlock, str)
	}
	origTip := s.tip()
	if !target.workSum.Gt(&origTip.workSum) {
		str := fmt.Sprintf("block %v does not have more work than the "+
			"current tip %v", tipHash, origTip.hash)
		return ruleError(ErrNotMoreWork, str)
	}

	// Determine the blocks to detach from the main chain and the blocks to
	// attach, ordered from the fork point.
	fork := s.forkPoint(target)
	detach := make([]chainhash.Hash, 0, origTip.height-fork.height)
	for h := origTip.height; h > fork.height; h-- {
		detach = append(detach, s.mainChain[h])
	}
	attach := make([]*blockNode, target.height-fork.height)
	for node := target; node.hash != fork.hash; node = s.index[node.parent] {
		attach[node.height-fork.height-1] = node
	}

	log.Infof("Reorganizing from %v (height %d) to %v (height %d) with fork "+
		"point %v (height %d)", origTip.hash, origTip.height, target.hash,
		target.height, fork.hash, fork.height)

	for range detach {
		if err := s.disconnectTip(); err != nil {
			return err
		}
	}

	var numAttached int
	for _, node := range attach {
		block, err := s.dbFetchBlock(&node.hash)
		if err == nil {
			err = s.connectToTip(node, block, false)
		}
		if err == nil {
			numAttached++
			continue
		}
		if IsFatal(err) {
			return err
		}

		// Mark the block that failed validation and restore the original
		// main chain.
		log.Warnf("Reorganize failed to connect block %v: %v", node.hash, err)
		if ierr := s.markInvalid(node); ierr != nil {
			return ierr
		}
		for i := 0; i < numAttached; i++ {
			if derr := s.disconnectTip(); derr != nil {
				return derr
			}
		}
		for i := len(detach) - 1; i >= 0; i-- {
			orig := s.index[detach[i]]
			origBlock, ferr := s.dbFetchBlock(&orig.hash)
			if ferr != nil {
				return ferr
			}
			if cerr := s.connectToTip(orig, origBlock, false); cerr != nil {
				return dbError(fmt.Sprintf("failed to restore block %v",
					orig.hash), cerr)
			}
		}
		return err
	}

	log.Infof("Reorganized to block %v (height %d)", target.hash,
		target.height)
	return nil
}
