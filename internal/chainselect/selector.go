// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainselect

import (
	"sync"

	"github.com/decred/dcrsyncd/internal/chainstore"
)

// Selector tracks the peer presenting the chain with the most cumulative proof
// of work that exceeds the active chain.  It is a running maximum: ties are
// broken in favor of the first peer observed.  It is safe for concurrent
// access.
type Selector struct {
	mtx    sync.Mutex
	peerID int32
	best   chainstore.BlockRef
	valid  bool

	// version is incremented every time the maximum changes.  checkpoint is
	// the version as of the last call to Checkpoint.
	version    uint64
	checkpoint uint64
}

// NewSelector returns a new selector with no tracked maximum.
func NewSelector() *Selector {
	return &Selector{}
}

// Update considers the best known block of the provided peer.  It is adopted
// as the new maximum when it has strictly more work than the tracked maximum
// and its height exceeds the provided height of the active chain.  It returns
// whether the maximum changed.
func (s *Selector) Update(peerID int32, best *chainstore.BlockRef, activeHeight int64) bool {
	if best.Height <= activeHeight {
		return false
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.valid && !best.MoreWorkThan(&s.best) {
		return false
	}
	s.peerID = peerID
	s.best = *best
	s.valid = true
	s.version++

	log.Debugf("Peer %d presents the chain with the most work: %v", peerID,
		best)
	return true
}

// Checkpoint records the current maximum so a later call to HasChanged reports
// whether it changed since.
func (s *Selector) Checkpoint() {
	s.mtx.Lock()
	s.checkpoint = s.version
	s.mtx.Unlock()
}

// HasChanged returns whether the maximum changed since the last checkpoint.
func (s *Selector) HasChanged() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.version != s.checkpoint
}

// Get returns the peer presenting the chain with the most work along with its
// best block.  The final return value is false when no peer is tracked.
func (s *Selector) Get() (int32, chainstore.BlockRef, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.peerID, s.best, s.valid
}

// Forget clears the tracked maximum if it belongs to the provided peer.  It
// returns whether the maximum was cleared.
func (s *Selector) Forget(peerID int32) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.valid || s.peerID != peerID {
		return false
	}
	s.peerID = 0
	s.best = chainstore.BlockRef{}
	s.valid = false
	s.version++
	return true
}

// Reset clears the tracked maximum.
func (s *Selector) Reset() {
	s.mtx.Lock()
	s.peerID = 0
	s.best = chainstore.BlockRef{}
	s.valid = false
	s.version++
	s.mtx.Unlock()
}
