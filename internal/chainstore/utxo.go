// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
)

// utxoFlags is a bitmask defining additional information and state for a
// transaction output in a utxo view.
type utxoFlags uint8

const (
	// utxoFlagCoinBase indicates that a txout was contained in a coinbase tx.
	utxoFlagCoinBase utxoFlags = 1 << iota

	// utxoFlagSpent indicates that a txout is spent.
	utxoFlagSpent

	// utxoFlagModified indicates that a txout has been modified since it was
	// loaded.
	utxoFlagModified
)

// UtxoEntry houses details about an individual transaction output in a utxo
// view such as whether or not it was contained in a coinbase tx, the height of
// the block that contains the tx, its public key script, and how much it pays.
type UtxoEntry struct {
	amount        int64
	pkScript      []byte
	blockHeight   int64
	scriptVersion uint16
	flags         utxoFlags
}

// NewUtxoEntry returns a new unspent output entry for the provided output.
func NewUtxoEntry(txOut *wire.TxOut, blockHeight int64, isCoinBase bool) *UtxoEntry {
	var flags utxoFlags
	if isCoinBase {
		flags |= utxoFlagCoinBase
	}
	return &UtxoEntry{
		amount:        txOut.Value,
		pkScript:      txOut.PkScript,
		blockHeight:   blockHeight,
		scriptVersion: txOut.Version,
		flags:         flags,
	}
}

// Amount returns the amount of the output.
func (entry *UtxoEntry) Amount() int64 {
	return entry.amount
}

// PkScript returns the public key script for the output.
func (entry *UtxoEntry) PkScript() []byte {
	return entry.pkScript
}

// ScriptVersion returns the public key script version for the output.
func (entry *UtxoEntry) ScriptVersion() uint16 {
	return entry.scriptVersion
}

// BlockHeight returns the height of the block containing the output.
func (entry *UtxoEntry) BlockHeight() int64 {
	return entry.blockHeight
}

// IsCoinBase returns whether or not the output was contained in a coinbase
// transaction.
func (entry *UtxoEntry) IsCoinBase() bool {
	return entry.flags&utxoFlagCoinBase == utxoFlagCoinBase
}

// IsSpent returns whether or not the output has been spent based upon the
// current state of the unspent transaction output view it was obtained from.
func (entry *UtxoEntry) IsSpent() bool {
	return entry.flags&utxoFlagSpent == utxoFlagSpent
}

// isModified returns whether or not the output has been modified since it was
// loaded.
func (entry *UtxoEntry) isModified() bool {
	return entry.flags&utxoFlagModified == utxoFlagModified
}

// -----------------------------------------------------------------------------
// The serialized format of a utxo entry is:
//
//	<amount><block height><script version><flags><pkscript>
//
//	Field           Type     Size
//	amount          int64    8 bytes
//	block height    int64    8 bytes
//	script version  uint16   2 bytes
//	flags           uint8    1 byte
//	pkscript        []byte   variable
//
// Only the coinbase flag is persisted.
// -----------------------------------------------------------------------------

// utxoEntryHeaderSize is the size of the fixed portion of a serialized utxo
// entry.
const utxoEntryHeaderSize = 8 + 8 + 2 + 1

// serializeUtxoEntry returns the entry serialized to a format that is suitable
// for long-term storage.
func serializeUtxoEntry(entry *UtxoEntry) []byte {
	serialized := make([]byte, utxoEntryHeaderSize+len(entry.pkScript))
	binary.LittleEndian.PutUint64(serialized[0:8], uint64(entry.amount))
	binary.LittleEndian.PutUint64(serialized[8:16], uint64(entry.blockHeight))
	binary.LittleEndian.PutUint16(serialized[16:18], entry.scriptVersion)
	serialized[18] = byte(entry.flags & utxoFlagCoinBase)
	copy(serialized[utxoEntryHeaderSize:], entry.pkScript)
	return serialized
}

// errDeserialize signifies that a problem was encountered when deserializing
// data.
var errDeserialize = errors.New("deserialization error")

// deserializeUtxoEntry decodes a utxo entry from the passed serialized byte
// slice.
func deserializeUtxoEntry(serialized []byte) (*UtxoEntry, error) {
	if len(serialized) < utxoEntryHeaderSize {
		return nil, fmt.Errorf("%w: unexpected end of data for utxo entry "+
			"(got %d bytes)", errDeserialize, len(serialized))
	}
	pkScript := make([]byte, len(serialized)-utxoEntryHeaderSize)
	copy(pkScript, serialized[utxoEntryHeaderSize:])
	return &UtxoEntry{
		amount:        int64(binary.LittleEndian.Uint64(serialized[0:8])),
		blockHeight:   int64(binary.LittleEndian.Uint64(serialized[8:16])),
		scriptVersion: binary.LittleEndian.Uint16(serialized[16:18]),
		flags:         utxoFlags(serialized[18]) & utxoFlagCoinBase,
		pkScript:      pkScript,
	}, nil
}

// outpointKeySize is the size of a serialized outpoint.
const outpointKeySize = 32 + 4 + 1

// outpointKey returns the key for the provided outpoint within the utxo set key
// set.
func outpointKey(outpoint *wire.OutPoint) []byte {
	key := make([]byte, len(prefixUtxoSet)+outpointKeySize)
	offset := copy(key, prefixUtxoSet)
	offset += copy(key[offset:], outpoint.Hash[:])
	binary.LittleEndian.PutUint32(key[offset:], outpoint.Index)
	key[offset+4] = byte(outpoint.Tree)
	return key
}

// decodeOutpoint decodes a serialized outpoint without the key set prefix.
func decodeOutpoint(serialized []byte) (wire.OutPoint, error) {
	var op wire.OutPoint
	if len(serialized) < outpointKeySize {
		return op, fmt.Errorf("%w: unexpected end of data for outpoint",
			errDeserialize)
	}
	copy(op.Hash[:], serialized[:32])
	op.Index = binary.LittleEndian.Uint32(serialized[32:36])
	op.Tree = int8(serialized[36])
	return op, nil
}

// spentOutput is an output spent by a block along with the entry it had before
// it was spent.  The spend journal of a block is the list of outputs it spent
// in spending order, which allows the block to be disconnected.
type spentOutput struct {
	outpoint wire.OutPoint
	entry    *UtxoEntry
}

// -----------------------------------------------------------------------------
// The serialized format of a spend journal is:
//
//	<num outputs><outpoint><entry len><entry>...
//
//	Field           Type     Size
//	num outputs     uint32   4 bytes
//	outpoint        -        37 bytes (hash, index, tree)
//	entry len       uint32   4 bytes
//	entry           []byte   variable (serialized utxo entry)
// -----------------------------------------------------------------------------

// serializeSpendJournal serializes the passed spent outputs.
func serializeSpendJournal(spent []spentOutput) []byte {
	size := 4
	entries := make([][]byte, len(spent))
	for i := range spent {
		entries[i] = serializeUtxoEntry(spent[i].entry)
		size += outpointKeySize + 4 + len(entries[i])
	}

	serialized := make([]byte, size)
	binary.LittleEndian.PutUint32(serialized, uint32(len(spent)))
	offset := 4
	for i := range spent {
		op := &spent[i].outpoint
		offset += copy(serialized[offset:], op.Hash[:])
		binary.LittleEndian.PutUint32(serialized[offset:], op.Index)
		serialized[offset+4] = byte(op.Tree)
		offset += 5
		binary.LittleEndian.PutUint32(serialized[offset:],
			uint32(len(entries[i])))
		offset += 4
		offset += copy(serialized[offset:], entries[i])
	}
	return serialized
}

// deserializeSpendJournal decodes the passed serialized spend journal.
func deserializeSpendJournal(serialized []byte) ([]spentOutput, error) {
	if len(serialized) < 4 {
		return nil, fmt.Errorf("%w: unexpected end of data for spend journal",
			errDeserialize)
	}
	numSpent := binary.LittleEndian.Uint32(serialized)
	offset := 4
	spent := make([]spentOutput, 0, numSpent)
	for i := uint32(0); i < numSpent; i++ {
		if len(serialized[offset:]) < outpointKeySize+4 {
			return nil, fmt.Errorf("%w: unexpected end of data for spent "+
				"output %d", errDeserialize, i)
		}
		op, err := decodeOutpoint(serialized[offset:])
		if err != nil {
			return nil, err
		}
		offset += outpointKeySize
		entryLen := int(binary.LittleEndian.Uint32(serialized[offset:]))
		offset += 4
		if len(serialized[offset:]) < entryLen {
			return nil, fmt.Errorf("%w: unexpected end of data for spent "+
				"output entry %d", errDeserialize, i)
		}
		entry, err := deserializeUtxoEntry(serialized[offset : offset+entryLen])
		if err != nil {
			return nil, err
		}
		offset += entryLen
		spent = append(spent, spentOutput{outpoint: op, entry: entry})
	}
	return spent, nil
}

// UtxoViewpoint represents a view into the set of unspent transaction outputs
// as of the tip of the main chain plus the effects of the transactions applied
// to it so far.
//
// The unspent outputs are needed by other transactions for things such as
// script validation and double spend prevention.
type UtxoViewpoint struct {
	store   *Store
	entries map[wire.OutPoint]*UtxoEntry
}

// newUtxoViewpoint returns a new empty view backed by the store.
func newUtxoViewpoint(store *Store) *UtxoViewpoint {
	return &UtxoViewpoint{
		store:   store,
		entries: make(map[wire.OutPoint]*UtxoEntry),
	}
}

// LookupEntry returns information about a given transaction output according to
// the current state of the view.  It will return nil if the passed output does
// not exist in the view.
func (view *UtxoViewpoint) LookupEntry(outpoint wire.OutPoint) *UtxoEntry {
	return view.entries[outpoint]
}

// fetchEntry loads the entry for the outpoint from the store into the view
// when it is not already there.
func (view *UtxoViewpoint) fetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	if entry, ok := view.entries[outpoint]; ok {
		return entry, nil
	}
	entry, err := view.store.dbFetchUtxoEntry(&outpoint)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		view.entries[outpoint] = entry
	}
	return entry, nil
}

// PrevScript returns the script and script version associated with the provided
// previous outpoint along with a bool that indicates whether or not the
// requested entry exists.  Outputs spent by transactions applied to the view
// are still reported so all inputs of a block can be verified.
func (view *UtxoViewpoint) PrevScript(prevOut *wire.OutPoint) (uint16, []byte, bool) {
	entry := view.LookupEntry(*prevOut)
	if entry == nil {
		return 0, nil, false
	}
	return entry.ScriptVersion(), entry.PkScript(), true
}

// addTxOuts adds all outputs of the passed transaction to the view.
func (view *UtxoViewpoint) addTxOuts(tx *dcrutil.Tx, blockHeight int64, isCoinBase bool) {
	var flags utxoFlags = utxoFlagModified
	if isCoinBase {
		flags |= utxoFlagCoinBase
	}
	prevOut := wire.OutPoint{Hash: *tx.Hash(), Tree: wire.TxTreeRegular}
	for txOutIdx, txOut := range tx.MsgTx().TxOut {
		prevOut.Index = uint32(txOutIdx)
		view.entries[prevOut] = &UtxoEntry{
			amount:        txOut.Value,
			pkScript:      txOut.PkScript,
			blockHeight:   blockHeight,
			scriptVersion: txOut.Version,
			flags:         flags,
		}
	}
}

// connectTransaction spends the outputs referenced by the inputs of the passed
// transaction and adds its outputs to the view.  The outputs that were spent
// are appended to the provided spend journal.
func (view *UtxoViewpoint) connectTransaction(tx *dcrutil.Tx, blockHeight int64,
	isCoinBase bool, journal []spentOutput) ([]spentOutput, error) {

	if isCoinBase {
		view.addTxOuts(tx, blockHeight, true)
		return journal, nil
	}

	msgTx := tx.MsgTx()
	var totalIn int64
	for txInIdx, txIn := range msgTx.TxIn {
		prevOut := txIn.PreviousOutPoint
		entry, err := view.fetchEntry(prevOut)
		if err != nil {
			return journal, err
		}
		if entry == nil {
			str := fmt.Sprintf("output %v referenced from transaction %s:%d "+
				"either does not exist or has already been spent", prevOut,
				tx.Hash(), txInIdx)
			return journal, ruleError(ErrMissingTxOut, str)
		}
		if entry.IsSpent() {
			str := fmt.Sprintf("output %v referenced from transaction %s:%d "+
				"was already spent by another transaction in the block",
				prevOut, tx.Hash(), txInIdx)
			return journal, ruleError(ErrDoubleSpend, str)
		}

		totalIn += entry.amount
		journal = append(journal, spentOutput{
			outpoint: prevOut,
			entry: &UtxoEntry{
				amount:        entry.amount,
				pkScript:      entry.pkScript,
				blockHeight:   entry.blockHeight,
				scriptVersion: entry.scriptVersion,
				flags:         entry.flags & utxoFlagCoinBase,
			},
		})
		entry.flags |= utxoFlagSpent | utxoFlagModified
	}

	var totalOut int64
	for _, txOut := range msgTx.TxOut {
		totalOut += txOut.Value
	}
	if totalOut > totalIn {
		str := fmt.Sprintf("total value of all transaction outputs for "+
			"transaction %v is %v which is higher than the total value of "+
			"all of its inputs %v", tx.Hash(), dcrutil.Amount(totalOut),
			dcrutil.Amount(totalIn))
		return journal, ruleError(ErrSpendTooHigh, str)
	}

	view.addTxOuts(tx, blockHeight, false)
	return journal, nil
}
