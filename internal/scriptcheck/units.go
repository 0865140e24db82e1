// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scriptcheck

import (
	"fmt"
	"math"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
)

// PrevScripter defines an interface that provides access to scripts and their
// associated version keyed by an outpoint.  The boolean return indicates
// whether or not the script and version for the provided outpoint was found.
type PrevScripter interface {
	PrevScript(*wire.OutPoint) (uint16, []byte, bool)
}

// InputCheck is a check that executes the script pair formed by a single
// transaction input and the previous output it spends.
type InputCheck struct {
	tx            *dcrutil.Tx
	txInIndex     int
	pkScript      []byte
	scriptVersion uint16
	flags         txscript.ScriptFlags
	sigCache      *txscript.SigCache
}

// NewInputCheck returns a check for the input at the provided index of the
// transaction which spends an output with the provided script.
func NewInputCheck(tx *dcrutil.Tx, txInIndex int, scriptVersion uint16,
	pkScript []byte, flags txscript.ScriptFlags,
	sigCache *txscript.SigCache) *InputCheck {

	return &InputCheck{
		tx:            tx,
		txInIndex:     txInIndex,
		pkScript:      pkScript,
		scriptVersion: scriptVersion,
		flags:         flags,
		sigCache:      sigCache,
	}
}

// Verify executes the script pair and returns a RuleError when it is either
// malformed or fails to validate.
//
// This is part of the Check interface.
func (c *InputCheck) Verify() error {
	txIn := c.tx.MsgTx().TxIn[c.txInIndex]
	prevOut := &txIn.PreviousOutPoint
	sigScript := txIn.SignatureScript
	vm, err := txscript.NewEngine(c.pkScript, c.tx.MsgTx(), c.txInIndex,
		c.flags, c.scriptVersion, c.sigCache)
	if err != nil {
		str := fmt.Sprintf("failed to parse input %s:%d which references "+
			"output %v (amount %v) - %v (input script bytes %x, prev output "+
			"script bytes %x)", c.tx.Hash(), c.txInIndex, *prevOut,
			dcrutil.Amount(txIn.ValueIn), err, sigScript, c.pkScript)
		return ruleError(ErrScriptMalformed, str)
	}

	if err := vm.Execute(); err != nil {
		str := fmt.Sprintf("failed to validate input %s:%d which references "+
			"output %v (amount %v) - %v (input script bytes %x, prev output "+
			"script bytes %x)", c.tx.Hash(), c.txInIndex, *prevOut,
			dcrutil.Amount(txIn.ValueIn), err, sigScript, c.pkScript)
		return ruleError(ErrScriptValidation, str)
	}

	return nil
}

// isCoinBaseInput returns whether the input is the null input of a coinbase.
func isCoinBaseInput(txIn *wire.TxIn) bool {
	return txIn.PreviousOutPoint.Index == math.MaxUint32
}

// appendTxChecks appends a check for every non-coinbase input of the
// transaction to the provided slice.
func appendTxChecks(checks []Check, tx *dcrutil.Tx, prevScripts PrevScripter,
	flags txscript.ScriptFlags, sigCache *txscript.SigCache) ([]Check, error) {

	for txInIdx, txIn := range tx.MsgTx().TxIn {
		if isCoinBaseInput(txIn) {
			continue
		}

		// Ensure the referenced input utxo is available.
		prevOut := &txIn.PreviousOutPoint
		scriptVersion, pkScript, ok := prevScripts.PrevScript(prevOut)
		if !ok {
			str := fmt.Sprintf("unable to find unspent output %v "+
				"referenced from transaction %s:%d", *prevOut, tx.Hash(),
				txInIdx)
			return checks, ruleError(ErrMissingTxOut, str)
		}
		checks = append(checks, NewInputCheck(tx, txInIdx, scriptVersion,
			pkScript, flags, sigCache))
	}
	return checks, nil
}

// TxUnits returns the checks required to validate the scripts of every
// non-coinbase input of the passed transaction.
func TxUnits(tx *dcrutil.Tx, prevScripts PrevScripter,
	flags txscript.ScriptFlags, sigCache *txscript.SigCache) ([]Check, error) {

	checks := make([]Check, 0, len(tx.MsgTx().TxIn))
	return appendTxChecks(checks, tx, prevScripts, flags, sigCache)
}

// BlockUnits returns the checks required to validate the scripts of every
// non-coinbase input of every regular transaction in the passed block.
func BlockUnits(block *dcrutil.Block, prevScripts PrevScripter,
	flags txscript.ScriptFlags, sigCache *txscript.SigCache) ([]Check, error) {

	txs := block.Transactions()
	numInputs := 0
	for _, tx := range txs {
		numInputs += len(tx.MsgTx().TxIn)
	}

	var err error
	checks := make([]Check, 0, numInputs)
	for _, tx := range txs {
		checks, err = appendTxChecks(checks, tx, prevScripts, flags, sigCache)
		if err != nil {
			return nil, err
		}
	}
	return checks, nil
}
