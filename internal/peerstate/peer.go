// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peerstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// BanThreshold is the misbehavior score at which a peer should be
	// banned.
	BanThreshold = 100

	// DefaultBlockStallTimeout is the default base timeout used when
	// computing the deadline of a block request.
	DefaultBlockStallTimeout = 5 * time.Second

	// baseTimeoutMultiplier is the minimum number of base timeouts a block
	// request is given before it is considered stalled.
	baseTimeoutMultiplier = 4
)

// State describes the synchronization state of a peer.
type State uint8

// These constants define the possible states of a peer.  Peers start in the
// initial state, move to header syncing once the sync is started, and to block
// downloading as soon as a block is requested from them.  A peer that fails to
// deliver a requested block in time becomes stalled while a peer that has
// nothing left to offer is fully synced.
const (
	StateInitial State = iota
	StateHeaderSyncing
	StateBlockDownloading
	StateStalled
	StateFullySynced
)

// stateStrings is a map of states back to their constant names for pretty
// printing.
var stateStrings = map[State]string{
	StateInitial:          "StateInitial",
	StateHeaderSyncing:    "StateHeaderSyncing",
	StateBlockDownloading: "StateBlockDownloading",
	StateStalled:          "StateStalled",
	StateFullySynced:      "StateFullySynced",
}

// String returns the State as a human-readable name.
func (s State) String() string {
	if str := stateStrings[s]; str != "" {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", uint8(s))
}

// BlockRequest describes a block that was requested from a peer and has not
// been received yet.
type BlockRequest struct {
	Hash            chainhash.Hash
	PeerID          int32
	RequestTime     time.Time
	Timeout         time.Time
	HeaderValidated bool
}

// Peer houses the chain synchronization state of a single connected peer.  It
// is safe for concurrent access.
type Peer struct {
	id          int32
	addr        string
	clock       clock.Clock
	baseTimeout time.Duration

	mtx               sync.Mutex
	fullyConnected    bool
	preferredDownload bool
	syncStarted       bool
	misbehavior       uint32
	state             State

	// requests houses the outstanding block requests in the order they were
	// made.
	requests []*BlockRequest

	// bestKnown is the block with the most cumulative proof of work the
	// peer is known to have.  lastCommon is the most recent block known to
	// be shared by the local chain and the chain of the peer.
	bestKnown     chainstore.BlockRef
	haveBestKnown bool
	lastCommon    chainstore.BlockRef
	haveLastCmn   bool
}

// NewPeer returns a new peer state for the provided peer identifier and
// address.  The base timeout is scaled to compute the deadline of block
// requests.
func NewPeer(id int32, addr string, clk clock.Clock, baseTimeout time.Duration) *Peer {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if baseTimeout <= 0 {
		baseTimeout = DefaultBlockStallTimeout
	}
	return &Peer{
		id:          id,
		addr:        addr,
		clock:       clk,
		baseTimeout: baseTimeout,
		state:       StateInitial,
	}
}

// ID returns the identifier of the peer.
func (p *Peer) ID() int32 {
	return p.id
}

// Addr returns the address of the peer.
func (p *Peer) Addr() string {
	return p.addr
}

// String returns the peer identifier and address in a human-readable form.
func (p *Peer) String() string {
	return fmt.Sprintf("%s (id %d)", p.addr, p.id)
}

// State returns the current synchronization state of the peer.
func (p *Peer) State() State {
	p.mtx.Lock()
	state := p.state
	p.mtx.Unlock()
	return state
}

// SetFullyConnected marks the peer as having completed the connection
// handshake.
func (p *Peer) SetFullyConnected() {
	p.mtx.Lock()
	p.fullyConnected = true
	p.mtx.Unlock()
}

// FullyConnected returns whether the peer completed the connection handshake.
func (p *Peer) FullyConnected() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.fullyConnected
}

// SetPreferredDownload sets whether blocks should preferably be downloaded
// from the peer.
func (p *Peer) SetPreferredDownload(preferred bool) {
	p.mtx.Lock()
	p.preferredDownload = preferred
	p.mtx.Unlock()
}

// PreferredDownload returns whether blocks should preferably be downloaded
// from the peer.
func (p *Peer) PreferredDownload() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.preferredDownload
}

// StartSync transitions an initial peer to the header syncing state.  It
// returns false when the sync was already started.
func (p *Peer) StartSync() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.syncStarted {
		return false
	}
	p.syncStarted = true
	if p.state == StateInitial {
		p.state = StateHeaderSyncing
	}
	return true
}

// SyncStarted returns whether the sync with the peer was started.
func (p *Peer) SyncStarted() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.syncStarted
}

// MarkFullySynced transitions the peer to the fully synced state which
// indicates it has nothing left that the local chain needs.
func (p *Peer) MarkFullySynced() {
	p.mtx.Lock()
	if len(p.requests) == 0 {
		p.state = StateFullySynced
	}
	p.mtx.Unlock()
}

// MarkInFlight records a request for the block with the provided hash.  The
// deadline of the request is the base timeout scaled by the number of requests
// for blocks with already validated headers queued before it, so peers that
// deliver long chains of valid headers are given more time.
//
// It returns false when the block is already in flight from the peer.
func (p *Peer) MarkInFlight(hash *chainhash.Hash, headerValidated bool) (*BlockRequest, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var numValidated int
	for _, req := range p.requests {
		if req.Hash == *hash {
			return req, false
		}
		if req.HeaderValidated {
			numValidated++
		}
	}

	now := p.clock.Now()
	multiplier := time.Duration(baseTimeoutMultiplier + numValidated)
	req := &BlockRequest{
		Hash:            *hash,
		PeerID:          p.id,
		RequestTime:     now,
		Timeout:         now.Add(p.baseTimeout * multiplier),
		HeaderValidated: headerValidated,
	}
	p.requests = append(p.requests, req)
	if p.state != StateStalled {
		p.state = StateBlockDownloading
	}

	log.Tracef("Requested block %v from peer %s (timeout %v)", hash, p,
		req.Timeout)
	return req, true
}

// MarkReceived removes the request for the block with the provided hash.  When
// a reference for the block is provided and it has more work than the best
// block known for the peer, it becomes the new best known block.
//
// It returns false when the block was not requested from the peer.
func (p *Peer) MarkReceived(hash *chainhash.Hash, ref *chainstore.BlockRef) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	found := false
	for i, req := range p.requests {
		if req.Hash == *hash {
			copy(p.requests[i:], p.requests[i+1:])
			p.requests[len(p.requests)-1] = nil
			p.requests = p.requests[:len(p.requests)-1]
			found = true
			break
		}
	}

	if ref != nil {
		p.updateBestKnown(ref)
	}

	// A stalled peer that delivers recovers unless its next request has
	// also timed out.
	if found && p.state == StateStalled {
		p.state = StateBlockDownloading
		if len(p.requests) > 0 && p.clock.Now().After(p.requests[0].Timeout) {
			p.state = StateStalled
		}
	}
	return found
}

// HasRequest returns whether the block with the provided hash is in flight
// from the peer.
func (p *Peer) HasRequest(hash *chainhash.Hash) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, req := range p.requests {
		if req.Hash == *hash {
			return true
		}
	}
	return false
}

// NumInFlight returns the number of blocks in flight from the peer.
func (p *Peer) NumInFlight() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.requests)
}

// Requests returns a copy of the outstanding requests in request order.
func (p *Peer) Requests() []BlockRequest {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	reqs := make([]BlockRequest, 0, len(p.requests))
	for _, req := range p.requests {
		reqs = append(reqs, *req)
	}
	return reqs
}

// CleanupAll removes every outstanding request and returns the hashes of the
// blocks that were in flight in request order.
func (p *Peer) CleanupAll() []chainhash.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	hashes := make([]chainhash.Hash, 0, len(p.requests))
	for _, req := range p.requests {
		hashes = append(hashes, req.Hash)
	}
	p.requests = nil
	if p.state == StateBlockDownloading || p.state == StateStalled {
		p.state = StateHeaderSyncing
		if !p.syncStarted {
			p.state = StateInitial
		}
	}
	return hashes
}

// Stalled returns whether the earliest outstanding request of the peer timed
// out as of the provided time.  The peer transitions to the stalled state when
// it did.
func (p *Peer) Stalled(now time.Time) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.requests) == 0 {
		return p.state == StateStalled
	}
	if now.After(p.requests[0].Timeout) {
		if p.state != StateStalled {
			log.Debugf("Peer %s stalled on block %v requested at %v", p,
				p.requests[0].Hash, p.requests[0].RequestTime)
		}
		p.state = StateStalled
		return true
	}
	return false
}

// updateBestKnown updates the best known block of the peer when the provided
// block has more work.
//
// This function MUST be called with the peer lock held (for writes).
func (p *Peer) updateBestKnown(ref *chainstore.BlockRef) bool {
	if p.haveBestKnown && !ref.MoreWorkThan(&p.bestKnown) {
		return false
	}
	p.bestKnown = *ref
	p.haveBestKnown = true
	return true
}

// UpdateBestKnown updates the best known block of the peer when the provided
// block has more cumulative work than the current one.  It returns whether the
// best known block changed.
func (p *Peer) UpdateBestKnown(ref *chainstore.BlockRef) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.updateBestKnown(ref)
}

// BestKnown returns the best known block of the peer, if any.
func (p *Peer) BestKnown() (chainstore.BlockRef, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.bestKnown, p.haveBestKnown
}

// SetLastCommon sets the most recent block known to be shared with the peer.
func (p *Peer) SetLastCommon(ref *chainstore.BlockRef) {
	p.mtx.Lock()
	p.lastCommon = *ref
	p.haveLastCmn = true
	p.mtx.Unlock()
}

// LastCommon returns the most recent block known to be shared with the peer,
// if any.
func (p *Peer) LastCommon() (chainstore.BlockRef, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lastCommon, p.haveLastCmn
}

// Misbehaving increases the misbehavior score of the peer by the provided
// amount.  It returns the resulting score and whether it reached the ban
// threshold.
func (p *Peer) Misbehaving(delta uint32, reason string) (uint32, bool) {
	p.mtx.Lock()
	p.misbehavior += delta
	score := p.misbehavior
	p.mtx.Unlock()

	warnThreshold := uint32(BanThreshold >> 1)
	if score > warnThreshold {
		log.Warnf("Misbehaving peer %s: %s -- misbehavior score increased "+
			"to %d", p, reason, score)
	}
	return score, score >= BanThreshold
}

// MisbehaviorScore returns the current misbehavior score of the peer.
func (p *Peer) MisbehaviorScore() uint32 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.misbehavior
}
