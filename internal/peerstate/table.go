// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peerstate

import (
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
)

// maxWantedBlocks is the maximum number of released block requests that are
// remembered so they can be requested from another peer.
const maxWantedBlocks = 4096

// TableConfig houses the configuration of a peer table.
type TableConfig struct {
	// Clock is the time source for request deadlines.  The system clock is
	// used when it is nil.
	Clock clock.Clock

	// BlockStallTimeout is the base timeout for block requests.
	BlockStallTimeout time.Duration
}

// Table tracks the synchronization state of all connected peers along with
// which peer every in-flight block was requested from.  It is safe for
// concurrent access.
type Table struct {
	cfg TableConfig

	mtx   sync.Mutex
	peers map[int32]*Peer

	// requested maps every block in flight to the peer it was requested
	// from.
	requested map[chainhash.Hash]int32

	// wanted houses blocks that were in flight from peers that went away and
	// still need to be requested from another peer.
	wanted map[chainhash.Hash]struct{}
}

// NewTable returns a new empty peer table.
func NewTable(cfg *TableConfig) *Table {
	c := *cfg
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.BlockStallTimeout <= 0 {
		c.BlockStallTimeout = DefaultBlockStallTimeout
	}
	return &Table{
		cfg:       c,
		peers:     make(map[int32]*Peer),
		requested: make(map[chainhash.Hash]int32),
		wanted:    make(map[chainhash.Hash]struct{}),
	}
}

// Add creates the state for a newly connected peer.  It returns the existing
// state and false when the peer is already known.
func (t *Table) Add(id int32, addr string) (*Peer, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if peer, ok := t.peers[id]; ok {
		return peer, false
	}
	peer := NewPeer(id, addr, t.cfg.Clock, t.cfg.BlockStallTimeout)
	t.peers[id] = peer
	return peer, true
}

// Get returns the state of the peer with the provided identifier.
func (t *Table) Get(id int32) (*Peer, bool) {
	t.mtx.Lock()
	peer, ok := t.peers[id]
	t.mtx.Unlock()
	return peer, ok
}

// Peers returns the state of all peers ordered by identifier.
func (t *Table) Peers() []*Peer {
	t.mtx.Lock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	t.mtx.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].id < peers[j].id
	})
	return peers
}

// Count returns the number of peers in the table.
func (t *Table) Count() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.peers)
}

// addWanted adds the hash to the wanted set while respecting its limit.
//
// This function MUST be called with the table lock held (for writes).
func (t *Table) addWanted(hash chainhash.Hash) {
	if _, exists := t.wanted[hash]; exists {
		return
	}
	if len(t.wanted)+1 > maxWantedBlocks {
		// Remove a random entry from the map.  The iteration order is not
		// important here because an adversary would have to be able to
		// pull off preimage attacks on the hashing function in order to
		// target eviction of specific entries anyways.
		for h := range t.wanted {
			delete(t.wanted, h)
			break
		}
	}
	t.wanted[hash] = struct{}{}
}

// Remove removes the state of the peer with the provided identifier.  All of
// its in-flight blocks are released to the wanted set and returned.
func (t *Table) Remove(id int32) []chainhash.Hash {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	peer, ok := t.peers[id]
	if !ok {
		return nil
	}
	delete(t.peers, id)

	released := peer.CleanupAll()
	for _, hash := range released {
		if owner, ok := t.requested[hash]; ok && owner == id {
			delete(t.requested, hash)
		}
		t.addWanted(hash)
	}
	if len(released) > 0 {
		log.Debugf("Released %d in-flight %s from disconnected peer %s",
			len(released), pickNoun(len(released), "block", "blocks"), peer)
	}
	return released
}

// RequestBlock records that the block with the provided hash was requested
// from the peer with the provided identifier.  It returns false when the peer
// is unknown or the block is already in flight from any peer.
func (t *Table) RequestBlock(id int32, hash *chainhash.Hash, headerValidated bool) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	peer, ok := t.peers[id]
	if !ok {
		return false
	}
	if _, inFlight := t.requested[*hash]; inFlight {
		return false
	}
	if _, added := peer.MarkInFlight(hash, headerValidated); !added {
		return false
	}
	t.requested[*hash] = id
	delete(t.wanted, *hash)
	return true
}

// IsRequested returns whether the block with the provided hash is in flight
// along with the identifier of the peer it was requested from.
func (t *Table) IsRequested(hash *chainhash.Hash) (int32, bool) {
	t.mtx.Lock()
	id, ok := t.requested[*hash]
	t.mtx.Unlock()
	return id, ok
}

// BlockReceived removes the block with the provided hash from the in-flight
// and wanted sets.  It returns the identifier of the peer the block was
// requested from and whether it was requested at all.
func (t *Table) BlockReceived(hash *chainhash.Hash) (int32, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	delete(t.wanted, *hash)
	id, ok := t.requested[*hash]
	if !ok {
		return 0, false
	}
	delete(t.requested, *hash)
	if peer, exists := t.peers[id]; exists {
		peer.MarkReceived(hash, nil)
	}
	return id, true
}

// AddWanted adds the provided hash to the set of blocks that still need to be
// requested.  Blocks already in flight are ignored.
func (t *Table) AddWanted(hash *chainhash.Hash) {
	t.mtx.Lock()
	if _, inFlight := t.requested[*hash]; !inFlight {
		t.addWanted(*hash)
	}
	t.mtx.Unlock()
}

// NumWanted returns the number of blocks that still need to be requested.
func (t *Table) NumWanted() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.wanted)
}

// TakeWanted removes and returns up to the provided number of blocks that
// still need to be requested.
func (t *Table) TakeWanted(n int) []chainhash.Hash {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if n > len(t.wanted) {
		n = len(t.wanted)
	}
	hashes := make([]chainhash.Hash, 0, n)
	for hash := range t.wanted {
		if len(hashes) == n {
			break
		}
		hashes = append(hashes, hash)
	}
	for i := range hashes {
		delete(t.wanted, hashes[i])
	}
	return hashes
}

// NumInFlight returns the total number of blocks in flight from all peers.
func (t *Table) NumInFlight() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.requested)
}

// StalledPeers returns the identifiers of all peers whose earliest request
// timed out as of the provided time ordered by identifier.
func (t *Table) StalledPeers(now time.Time) []int32 {
	var stalled []int32
	for _, peer := range t.Peers() {
		if peer.Stalled(now) {
			stalled = append(stalled, peer.id)
		}
	}
	return stalled
}

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
