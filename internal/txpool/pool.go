// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultMaxTxSize is the default maximum serialized size of a transaction
// accepted into the pool.
const DefaultMaxTxSize = 393216

// Chain defines the chain state the pool validates transactions against.
type Chain interface {
	// FetchUtxoEntry returns the unspent output for the outpoint as of the
	// tip of the main chain.  Both return values are nil when the output
	// does not exist or is spent.
	FetchUtxoEntry(outpoint *wire.OutPoint) (*chainstore.UtxoEntry, error)

	// HaveTransaction returns whether or not the transaction is part of
	// the main chain.
	HaveTransaction(hash *chainhash.Hash) bool

	// BestSnapshot returns information about the tip of the main chain.
	BestSnapshot() chainstore.BestState
}

// Config is a descriptor containing the transaction pool configuration.
type Config struct {
	// Chain is the chain state transactions are validated against.
	Chain Chain

	// ScriptQueue is the queue used to verify the scripts of transactions.
	ScriptQueue *scriptcheck.Queue

	// ScriptFlags are the flags used when executing transaction scripts.
	ScriptFlags txscript.ScriptFlags

	// SigCache is an optional signature cache shared with the script
	// engine.
	SigCache *txscript.SigCache

	// MaxTxSize is the maximum serialized size of an accepted transaction.
	MaxTxSize uint64

	// Clock is the time source for the time transactions were added.  The
	// system clock is used when it is nil.
	Clock clock.Clock
}

// TxDesc is a descriptor containing a transaction in the pool along with
// additional metadata.
type TxDesc struct {
	// Tx is the transaction associated with the entry.
	Tx *dcrutil.Tx

	// Added is the time when the entry was added to the pool.
	Added time.Time

	// Height is the block height when the entry was added to the pool.
	Height int64

	// Fee is the total fee the transaction associated with the entry pays.
	Fee int64
}

// prevOutput houses the details of an output spent by a transaction being
// validated.
type prevOutput struct {
	amount        int64
	scriptVersion uint16
	pkScript      []byte
}

// prevOutputs provides the previous scripts of a transaction being validated
// to the script checks.
type prevOutputs map[wire.OutPoint]prevOutput

// PrevScript returns the script and script version of the previous output.
//
// This is part of the scriptcheck.PrevScripter interface.
func (p prevOutputs) PrevScript(prevOut *wire.OutPoint) (uint16, []byte, bool) {
	out, ok := p[*prevOut]
	if !ok {
		return 0, nil, false
	}
	return out.scriptVersion, out.pkScript, true
}

// Pool is used as a source of transactions that spend outputs of the main chain
// or of other transactions in the pool.  It is safe for concurrent access.
type Pool struct {
	cfg Config

	mtx       sync.RWMutex
	pool      map[chainhash.Hash]*TxDesc
	outpoints map[wire.OutPoint]*dcrutil.Tx
}

// New returns a new transaction pool for the provided configuration.
func New(cfg *Config) *Pool {
	p := &Pool{
		cfg:       *cfg,
		pool:      make(map[chainhash.Hash]*TxDesc),
		outpoints: make(map[wire.OutPoint]*dcrutil.Tx),
	}
	if p.cfg.Clock == nil {
		p.cfg.Clock = clock.NewDefaultClock()
	}
	if p.cfg.MaxTxSize == 0 {
		p.cfg.MaxTxSize = DefaultMaxTxSize
	}
	return p
}

// lookupPrevOutput returns the output referenced by the outpoint from either
// the pool or the main chain.  Both return values are nil when the output is
// not available.
//
// This function MUST be called with the pool lock held (for reads).
func (p *Pool) lookupPrevOutput(outpoint *wire.OutPoint) (*prevOutput, error) {
	if desc, ok := p.pool[outpoint.Hash]; ok {
		txOuts := desc.Tx.MsgTx().TxOut
		if outpoint.Index >= uint32(len(txOuts)) {
			str := fmt.Sprintf("output %v references an output index "+
				"beyond the %d outputs of its transaction", outpoint,
				len(txOuts))
			return nil, ruleError(ErrBadOutputIndex, str)
		}
		txOut := txOuts[outpoint.Index]
		return &prevOutput{
			amount:        txOut.Value,
			scriptVersion: txOut.Version,
			pkScript:      txOut.PkScript,
		}, nil
	}

	entry, err := p.cfg.Chain.FetchUtxoEntry(outpoint)
	if err != nil || entry == nil {
		return nil, err
	}
	return &prevOutput{
		amount:        entry.Amount(),
		scriptVersion: entry.ScriptVersion(),
		pkScript:      entry.PkScript(),
	}, nil
}

// MaybeAcceptTransaction attempts to accept the passed transaction into the
// pool.  When any referenced outputs are not available, the hashes of the
// transactions they belong to are returned and the transaction is not added.
// The caller may then treat it as an orphan.
//
// This function is safe for concurrent access.
func (p *Pool) MaybeAcceptTransaction(tx *dcrutil.Tx) ([]*chainhash.Hash, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	txHash := tx.Hash()
	msgTx := tx.MsgTx()

	// Don't accept the transaction if it already exists in the pool or the
	// main chain.
	if _, ok := p.pool[*txHash]; ok {
		str := fmt.Sprintf("already have transaction %v", txHash)
		return nil, ruleError(ErrDuplicate, str)
	}
	if p.cfg.Chain.HaveTransaction(txHash) {
		str := fmt.Sprintf("transaction %v already exists", txHash)
		return nil, ruleError(ErrAlreadyExists, str)
	}

	// Perform preliminary sanity checks on the transaction.
	err := standalone.CheckTransactionSanity(msgTx, p.cfg.MaxTxSize)
	if err != nil {
		str := fmt.Sprintf("transaction %v failed sanity checks: %v", txHash,
			err)
		return nil, ruleError(ErrInvalid, str)
	}

	// A standalone transaction must not be a coinbase transaction.
	if standalone.IsCoinBaseTx(msgTx, false) {
		str := fmt.Sprintf("transaction %v is an individual coinbase",
			txHash)
		return nil, ruleError(ErrCoinbase, str)
	}

	// The transaction may not use any of the same outputs as other
	// transactions already in the pool as that would ultimately result in a
	// double spend.
	for _, txIn := range msgTx.TxIn {
		if txR, ok := p.outpoints[txIn.PreviousOutPoint]; ok {
			str := fmt.Sprintf("transaction %v in the pool already spends "+
				"the same coins", txR.Hash())
			return nil, ruleError(ErrMempoolDoubleSpend, str)
		}
	}

	// Gather the referenced outputs.  Transactions with outputs that are not
	// available are orphans.
	var missingParents []*chainhash.Hash
	prevOuts := make(prevOutputs, len(msgTx.TxIn))
	for _, txIn := range msgTx.TxIn {
		prevOut := &txIn.PreviousOutPoint
		out, err := p.lookupPrevOutput(prevOut)
		if err != nil {
			return nil, err
		}
		if out == nil {
			hashCopy := prevOut.Hash
			missingParents = append(missingParents, &hashCopy)
			continue
		}
		prevOuts[*prevOut] = *out
	}
	if len(missingParents) > 0 {
		return missingParents, nil
	}

	var totalIn, totalOut int64
	for _, out := range prevOuts {
		totalIn += out.amount
	}
	for _, txOut := range msgTx.TxOut {
		totalOut += txOut.Value
	}
	if totalOut > totalIn {
		str := fmt.Sprintf("total value of all transaction outputs for "+
			"transaction %v is %v which is higher than the total value of "+
			"all of its inputs %v", txHash, dcrutil.Amount(totalOut),
			dcrutil.Amount(totalIn))
		return nil, ruleError(ErrSpendTooHigh, str)
	}

	// Verify the scripts of all inputs.
	units, err := scriptcheck.TxUnits(tx, prevOuts, p.cfg.ScriptFlags,
		p.cfg.SigCache)
	if err != nil {
		return nil, err
	}
	if err := p.cfg.ScriptQueue.Verify(units); err != nil {
		return nil, err
	}

	p.pool[*txHash] = &TxDesc{
		Tx:     tx,
		Added:  p.cfg.Clock.Now(),
		Height: p.cfg.Chain.BestSnapshot().Height,
		Fee:    totalIn - totalOut,
	}
	for _, txIn := range msgTx.TxIn {
		p.outpoints[txIn.PreviousOutPoint] = tx
	}
	log.Debugf("Accepted transaction %v (pool size: %v)", txHash,
		len(p.pool))
	return nil, nil
}

// removeTransaction removes the passed transaction from the pool.  When
// removeRedeemers is set, the transactions in the pool that spend its outputs
// are removed as well.  The number of removed transactions is returned.
//
// This function MUST be called with the pool lock held (for writes).
func (p *Pool) removeTransaction(tx *dcrutil.Tx, removeRedeemers bool) int {
	var numRemoved int
	txHash := tx.Hash()
	if removeRedeemers {
		prevOut := wire.OutPoint{Hash: *txHash, Tree: wire.TxTreeRegular}
		for i := uint32(0); i < uint32(len(tx.MsgTx().TxOut)); i++ {
			prevOut.Index = i
			if txRedeemer, exists := p.outpoints[prevOut]; exists {
				numRemoved += p.removeTransaction(txRedeemer, true)
			}
		}
	}

	if txDesc, exists := p.pool[*txHash]; exists {
		log.Tracef("Removing transaction %v", txHash)
		for _, txIn := range txDesc.Tx.MsgTx().TxIn {
			delete(p.outpoints, txIn.PreviousOutPoint)
		}
		delete(p.pool, *txHash)
		numRemoved++
	}
	return numRemoved
}

// RemoveConfirmed removes the transactions of the passed block from the pool
// along with the transactions in the pool that double spend them and the
// transactions that depend on those.  The number of removed transactions is
// returned.
//
// This function is safe for concurrent access.
func (p *Pool) RemoveConfirmed(block *dcrutil.Block) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var numRemoved int
	for _, tx := range block.Transactions()[1:] {
		// Transactions that spend outputs of the mined transaction stay
		// valid since the outputs are now in the main chain.
		numRemoved += p.removeTransaction(tx, false)

		for _, txIn := range tx.MsgTx().TxIn {
			txRedeemer, ok := p.outpoints[txIn.PreviousOutPoint]
			if ok && *txRedeemer.Hash() != *tx.Hash() {
				numRemoved += p.removeTransaction(txRedeemer, true)
			}
		}
	}
	if numRemoved > 0 {
		log.Debugf("Removed %d %s confirmed or conflicting with block %v",
			numRemoved, pickNoun(numRemoved, "transaction", "transactions"),
			block.Hash())
	}
	return numRemoved
}

// HaveTransaction returns whether or not the passed transaction is in the
// pool.
//
// This function is safe for concurrent access.
func (p *Pool) HaveTransaction(hash *chainhash.Hash) bool {
	p.mtx.RLock()
	_, ok := p.pool[*hash]
	p.mtx.RUnlock()
	return ok
}

// FetchTransaction returns the requested transaction from the pool.
//
// This function is safe for concurrent access.
func (p *Pool) FetchTransaction(hash *chainhash.Hash) (*dcrutil.Tx, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	desc, ok := p.pool[*hash]
	if !ok {
		return nil, false
	}
	return desc.Tx, true
}

// TxDescs returns a slice of descriptors for all the transactions in the pool.
//
// This function is safe for concurrent access.
func (p *Pool) TxDescs() []*TxDesc {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	descs := make([]*TxDesc, 0, len(p.pool))
	for _, desc := range p.pool {
		descs = append(descs, desc)
	}
	return descs
}

// Count returns the number of transactions in the pool.
//
// This function is safe for concurrent access.
func (p *Pool) Count() int {
	p.mtx.RLock()
	count := len(p.pool)
	p.mtx.RUnlock()
	return count
}

// PrevScript returns the script and script version of the output referenced by
// the outpoint from either the pool or the main chain.  Outputs already spent
// by transactions in the pool are still reported.
//
// This is part of the scriptcheck.PrevScripter interface.
func (p *Pool) PrevScript(prevOut *wire.OutPoint) (uint16, []byte, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	out, err := p.lookupPrevOutput(prevOut)
	if err != nil || out == nil {
		return 0, nil, false
	}
	return out.scriptVersion, out.pkScript, true
}

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
