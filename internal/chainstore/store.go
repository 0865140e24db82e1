// Copyright (c) 2021-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const (
	// chainDbName is the name of the database directory within the data
	// directory.
	chainDbName = "chainstate"

	// currentDatabaseVersion indicates the current database version.
	currentDatabaseVersion = 1

	// MaxBlockScannerThreads is the maximum number of goroutines used to
	// decode the stored blocks when the block index is loaded.
	MaxBlockScannerThreads = 8
)

// -----------------------------------------------------------------------------
// The database is a single leveldb instance whose keys are grouped into key
// sets.  Every key starts with a prefix that consists of:
//
//	Key        Value    Size      Description
//	key set    uint8    1 byte    The key set identifier, as defined below
//	version    uint8    1 byte    The version of the key set
//
// -----------------------------------------------------------------------------
type keySet uint8

// These constants define the available key sets.
const (
	keySetDbInfo       keySet = iota + 1 // 1
	keySetBlocks                         // 2
	keySetUtxoSet                        // 3
	keySetSpendJournal                   // 4
	keySetTxIndex                        // 5
	keySetInvalid                        // 6
	keySetState                          // 7
)

// These variables define the serialized prefix for each key set.
var (
	prefixDbInfo       = []byte{byte(keySetDbInfo), 0}
	prefixBlocks       = []byte{byte(keySetBlocks), 1}
	prefixUtxoSet      = []byte{byte(keySetUtxoSet), 1}
	prefixSpendJournal = []byte{byte(keySetSpendJournal), 1}
	prefixTxIndex      = []byte{byte(keySetTxIndex), 1}
	prefixInvalid      = []byte{byte(keySetInvalid), 1}
	prefixState        = []byte{byte(keySetState), 1}
)

// prefixedKey returns a new byte slice that consists of the provided prefix
// appended with the provided key.
func prefixedKey(prefix []byte, key []byte) []byte {
	lenPrefix := len(prefix)
	prefixedKey := make([]byte, lenPrefix+len(key))
	_ = copy(prefixedKey, prefix)
	_ = copy(prefixedKey[lenPrefix:], key)
	return prefixedKey
}

var (
	// dbInfoVersionKey is the database key used to house the database
	// version.
	dbInfoVersionKey = prefixedKey(prefixDbInfo, []byte("version"))

	// bestChainKey is the database key used to house the hash of the tip of
	// the main chain.
	bestChainKey = prefixedKey(prefixState, []byte("bestchain"))
)

// blockStatus is a bit field representing the validation state of the block.
type blockStatus uint8

const (
	// statusValidated indicates that the block has been fully validated.
	statusValidated blockStatus = 1 << iota

	// statusValidateFailed indicates that the block has failed validation.
	statusValidateFailed

	// statusInvalidAncestor indicates that one of the ancestors of the block
	// has failed validation, thus the block is also invalid.
	statusInvalidAncestor
)

// knownInvalid returns whether the block is known to be invalid.
func (status blockStatus) knownInvalid() bool {
	return status&(statusValidateFailed|statusInvalidAncestor) != 0
}

// blockNode represents a block within the block index.  Nodes refer to their
// parent by hash so entries can be looked up through the index only.
type blockNode struct {
	hash    chainhash.Hash
	parent  chainhash.Hash
	height  int64
	workSum uint256.Uint256
	header  wire.BlockHeader
	status  blockStatus
}

// ref returns a reference to the node.
func (node *blockNode) ref() BlockRef {
	return BlockRef{Hash: node.hash, Height: node.height, Work: node.workSum}
}

// Config is a descriptor which specifies the chain store configuration.
type Config struct {
	// Params identifies which chain parameters the store is associated
	// with.
	Params *chaincfg.Params

	// DataDir is the directory the database is stored in.  The database is
	// kept in memory when it is empty.
	DataDir string

	// ScriptQueue is the queue used to verify the scripts of the blocks
	// that are connected.
	ScriptQueue *scriptcheck.Queue

	// ScriptFlags are the flags used when executing transaction scripts.
	ScriptFlags txscript.ScriptFlags

	// SigCache is an optional signature cache shared with the script
	// engine.
	SigCache *txscript.SigCache
}

// BestState houses information about the current best block and other info
// related to the state of the main chain as it exists from the point of view of
// the current best block.
type BestState struct {
	Hash   chainhash.Hash
	Height int64
	Work   uint256.Uint256
	Bits   uint32
}

// Store houses the block index, the main chain, and the unspent transaction
// output set backed by a leveldb database.  It is safe for concurrent access.
type Store struct {
	cfg Config
	db  *leveldb.DB

	// chainLock protects the block index, the main chain, and all
	// chain-visible state in the database.  It is the coarse lock every
	// mutation of chain state happens under.
	chainLock sync.RWMutex
	index     map[chainhash.Hash]*blockNode
	children  map[chainhash.Hash][]chainhash.Hash
	mainChain []chainhash.Hash
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// openDB opens (or creates when needed) the database in the provided data
// directory.  An in-memory database is used when the directory is empty.
func openDB(dataDir string) (*leveldb.DB, error) {
	if dataDir == "" {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, dbError("failed to open in-memory database", err)
		}
		return db, nil
	}

	// Ensure the full path to the database exists.
	dbPath := filepath.Join(dataDir, chainDbName)
	dbExists := fileExists(dbPath)
	if !dbExists {
		// The error can be ignored here since the call to leveldb.OpenFile
		// will fail if the directory couldn't be created.
		_ = os.MkdirAll(dataDir, 0700)
	}

	log.Infof("Loading chain database from '%s'", dbPath)
	opts := opt.Options{
		ErrorIfExist: !dbExists,
		Strict:       opt.DefaultStrict,
		Compression:  opt.NoCompression,
		Filter:       filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, dbError("failed to open chain database", err)
	}
	return db, nil
}

// Open opens the chain store described by the provided configuration and loads
// the block index.  The database is initialized with the genesis block of the
// configured network when it is new.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Params == nil {
		return nil, errors.New("chain store config must include params")
	}
	if cfg.ScriptQueue == nil {
		return nil, errors.New("chain store config must include a script " +
			"queue")
	}

	db, err := openDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      *cfg,
		db:       db,
		index:    make(map[chainhash.Hash]*blockNode),
		children: make(map[chainhash.Hash][]chainhash.Hash),
	}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadIndex(ctx); err != nil {
		db.Close()
		return nil, err
	}

	tip := s.tip()
	log.Infof("Chain state (height %d, hash %v, work %v)", tip.height,
		tip.hash, &tip.workSum)
	return s, nil
}

// initDB checks the database version and stores the genesis block when the
// database is new.
func (s *Store) initDB() error {
	serialized, err := s.db.Get(dbInfoVersionKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		// New database.

	case err != nil:
		return dbError("failed to fetch database version", err)

	default:
		if len(serialized) != 4 {
			return dbError("failed to fetch database version",
				errDeserialize)
		}
		version := binary.LittleEndian.Uint32(serialized)
		if version > currentDatabaseVersion {
			return fmt.Errorf("the current chain database is no longer "+
				"compatible with this version of the software (%d > %d)",
				version, currentDatabaseVersion)
		}
		return nil
	}

	genesis := dcrutil.NewBlock(s.cfg.Params.GenesisBlock)
	blockBytes, err := genesis.Bytes()
	if err != nil {
		return err
	}
	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], currentDatabaseVersion)

	batch := new(leveldb.Batch)
	batch.Put(dbInfoVersionKey, version[:])
	batch.Put(prefixedKey(prefixBlocks, genesis.Hash()[:]), blockBytes)
	batch.Put(bestChainKey, genesis.Hash()[:])
	if err := s.db.Write(batch, nil); err != nil {
		return dbError("failed to initialize chain database", err)
	}
	log.Infof("Created chain database with genesis block %v", genesis.Hash())
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.chainLock.Lock()
	defer s.chainLock.Unlock()
	return s.db.Close()
}

// tip returns the node at the tip of the main chain.
//
// This function MUST be called with the chain lock held (for reads).
func (s *Store) tip() *blockNode {
	return s.index[s.mainChain[len(s.mainChain)-1]]
}

// inMainChain returns whether the node is part of the main chain.
//
// This function MUST be called with the chain lock held (for reads).
func (s *Store) inMainChain(node *blockNode) bool {
	if node.height >= int64(len(s.mainChain)) {
		return false
	}
	return s.mainChain[node.height] == node.hash
}

// forkPoint returns the most recent ancestor of the node that is part of the
// main chain.
//
// This function MUST be called with the chain lock held (for reads).
func (s *Store) forkPoint(node *blockNode) *blockNode {
	for node != nil && !s.inMainChain(node) {
		node = s.index[node.parent]
	}
	return node
}

// HaveBlock returns whether or not the block with the provided hash is stored.
// This includes side chain blocks and blocks that are known to be invalid.
//
// This function is safe for concurrent access.
func (s *Store) HaveBlock(hash *chainhash.Hash) bool {
	s.chainLock.RLock()
	_, ok := s.index[*hash]
	s.chainLock.RUnlock()
	return ok
}

// IsKnownInvalid returns whether the block with the provided hash is stored
// and known to be invalid.
//
// This function is safe for concurrent access.
func (s *Store) IsKnownInvalid(hash *chainhash.Hash) bool {
	s.chainLock.RLock()
	defer s.chainLock.RUnlock()

	node, ok := s.index[*hash]
	return ok && node.status.knownInvalid()
}

// MainChainHasBlock returns whether or not the block with the provided hash is
// part of the main chain.
//
// This function is safe for concurrent access.
func (s *Store) MainChainHasBlock(hash *chainhash.Hash) bool {
	s.chainLock.RLock()
	defer s.chainLock.RUnlock()

	node, ok := s.index[*hash]
	return ok && s.inMainChain(node)
}

// BlockRef returns a reference to the stored block with the provided hash.
//
// This function is safe for concurrent access.
func (s *Store) BlockRef(hash *chainhash.Hash) (BlockRef, bool) {
	s.chainLock.RLock()
	defer s.chainLock.RUnlock()

	node, ok := s.index[*hash]
	if !ok {
		return BlockRef{}, false
	}
	return node.ref(), true
}

// BestSnapshot returns information about the current best chain block.
//
// This function is safe for concurrent access.
func (s *Store) BestSnapshot() BestState {
	s.chainLock.RLock()
	defer s.chainLock.RUnlock()

	tip := s.tip()
	return BestState{
		Hash:   tip.hash,
		Height: tip.height,
		Work:   tip.workSum,
		Bits:   tip.header.Bits,
	}
}

// BlockHashByHeight returns the hash of the main chain block at the provided
// height.
//
// This function is safe for concurrent access.
func (s *Store) BlockHashByHeight(height int64) (chainhash.Hash, bool) {
	s.chainLock.RLock()
	defer s.chainLock.RUnlock()

	if height < 0 || height >= int64(len(s.mainChain)) {
		return chainhash.Hash{}, false
	}
	return s.mainChain[height], true
}

// dbFetchBlock loads the block with the provided hash from the database.
func (s *Store) dbFetchBlock(hash *chainhash.Hash) (*dcrutil.Block, error) {
	serialized, err := s.db.Get(prefixedKey(prefixBlocks, hash[:]), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, unknownBlockError(hash)
	}
	if err != nil {
		return nil, dbError(fmt.Sprintf("failed to fetch block %v", hash), err)
	}
	block, err := dcrutil.NewBlockFromBytes(serialized)
	if err != nil {
		return nil, dbError(fmt.Sprintf("failed to decode block %v", hash),
			err)
	}
	return block, nil
}

// BlockByHash returns the stored block with the provided hash.
//
// This function is safe for concurrent access.
func (s *Store) BlockByHash(hash *chainhash.Hash) (*dcrutil.Block, error) {
	s.chainLock.RLock()
	defer s.chainLock.RUnlock()
	return s.dbFetchBlock(hash)
}

// dbFetchUtxoEntry loads the unspent output for the provided outpoint from the
// database.  Both return values are nil when the output does not exist.
func (s *Store) dbFetchUtxoEntry(outpoint *wire.OutPoint) (*UtxoEntry, error) {
	serialized, err := s.db.Get(outpointKey(outpoint), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(fmt.Sprintf("failed to fetch utxo %v", outpoint),
			err)
	}
	entry, err := deserializeUtxoEntry(serialized)
	if err != nil {
		return nil, dbError(fmt.Sprintf("failed to decode utxo %v", outpoint),
			err)
	}
	return entry, nil
}

// FetchUtxoEntry returns the unspent output for the provided outpoint as of
// the tip of the main chain.  Both return values are nil when the output does
// not exist or is spent.
//
// This function is safe for concurrent access.
func (s *Store) FetchUtxoEntry(outpoint *wire.OutPoint) (*UtxoEntry, error) {
	s.chainLock.RLock()
	defer s.chainLock.RUnlock()
	return s.dbFetchUtxoEntry(outpoint)
}

// PrevScript returns the script and script version of the unspent output for
// the provided outpoint as of the tip of the main chain.
//
// This function is safe for concurrent access.
func (s *Store) PrevScript(prevOut *wire.OutPoint) (uint16, []byte, bool) {
	entry, err := s.FetchUtxoEntry(prevOut)
	if err != nil || entry == nil {
		return 0, nil, false
	}
	return entry.ScriptVersion(), entry.PkScript(), true
}

// HaveTransaction returns whether or not the transaction with the provided
// hash is part of the main chain.
//
// This function is safe for concurrent access.
func (s *Store) HaveTransaction(txHash *chainhash.Hash) bool {
	s.chainLock.RLock()
	defer s.chainLock.RUnlock()

	ok, err := s.db.Has(prefixedKey(prefixTxIndex, txHash[:]), nil)
	if err != nil {
		log.Errorf("Failed to look up transaction %v: %v", txHash, err)
		return false
	}
	return ok
}
