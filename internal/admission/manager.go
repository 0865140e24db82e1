// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/apbf"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrsyncd/internal/blockcache"
	"github.com/decred/dcrsyncd/internal/chainselect"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/decred/dcrsyncd/internal/metrics"
	"github.com/decred/dcrsyncd/internal/orphanpool"
	"github.com/decred/dcrsyncd/internal/peerstate"
	"github.com/decred/dcrsyncd/internal/progresslog"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
	"github.com/decred/dcrsyncd/internal/txpool"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// LocalPeerID is the peer identifier of blocks and transactions that
	// do not originate from a network peer such as imported blocks.  It is
	// never penalized.
	LocalPeerID int32 = 0

	// DefaultStallTickInterval is the default interval at which peers are
	// checked for stalled block downloads.
	DefaultStallTickInterval = time.Second * 15

	// DefaultRevalidateInterval is the default interval at which forced
	// revalidation passes over the cached blocks are run.
	DefaultRevalidateInterval = time.Second * 5

	// defaultMaxPeers is the number of peers used to size the event queue
	// when none is configured.
	defaultMaxPeers = 125

	// maxRejectedTxns specifies the maximum number of recently rejected
	// transactions to track.  rejectedTxnsFPRate is the false positive rate
	// of the filter used to track them.
	maxRejectedTxns    = 62500
	rejectedTxnsFPRate = 0.0000001

	// maxKnownInvalidBlocks is the maximum number of blocks known to be
	// invalid that are remembered.
	maxKnownInvalidBlocks = 1000

	// maxRequestsPerPeer is the maximum number of blocks that are in flight
	// from a single peer when redistributing released requests.
	maxRequestsPerPeer = 16

	// These constants define the misbehavior score increases of the
	// various violations.
	misbehaviorMalformed     = 100
	misbehaviorInvalidBlock  = 100
	misbehaviorInvalidTx     = 10
	misbehaviorUnconnectable = 20
)

// peerConnectedMsg signifies a newly connected peer to the event handler.
type peerConnectedMsg struct {
	peerID int32
	addr   string
}

// peerDisconnectedMsg signifies a peer that disconnected to the event handler.
type peerDisconnectedMsg struct {
	peerID int32
}

// blockMsg packages a serialized block received from a peer along with the
// channel the result of processing it is sent to.
type blockMsg struct {
	peerID int32
	data   []byte
	reply  chan error
}

// txMsg packages a serialized transaction received from a peer along with the
// channel the result of processing it is sent to.
type txMsg struct {
	peerID int32
	data   []byte
	reply  chan error
}

// blockAnnouncedMsg packages a block a peer announced it has.
type blockAnnouncedMsg struct {
	peerID int32
	ref    chainstore.BlockRef
}

// revalidateMsg is a message type to be sent across the message channel in
// order to run a revalidation pass over the cached blocks.
type revalidateMsg struct {
	force bool
	reply chan error
}

// stallCheckMsg is a message type to be sent across the message channel in
// order to disconnect peers that stalled block downloads.
type stallCheckMsg struct {
	reply chan struct{}
}

// Config holds the configuration options related to the admission manager.
type Config struct {
	// PeerNotifier specifies an implementation to use for notifying the
	// peer layer of requests and misbehavior.
	PeerNotifier PeerNotifier

	// Chain specifies the chain state blocks are admitted to.
	Chain Chain

	// TxPool specifies the pool transactions are admitted to.
	TxPool TxPool

	// Clock is the time source of all time dependent decisions.  The system
	// clock is used when it is nil.
	Clock clock.Clock

	// Metrics houses the collectors updated by the manager.  It may be nil.
	Metrics *metrics.Metrics

	// OnFatal is invoked once when the chain state can no longer be
	// trusted.  The process is expected to shut down.
	OnFatal func(err error)

	// MaxPeers specifies the maximum number of peers the manager is
	// expected to serve.  It is used to size the event queue.
	MaxPeers int

	// MaxOrphanTxs is the maximum number of orphan transactions retained.
	MaxOrphanTxs int

	// MaxOrphanTxSize is the maximum serialized size of an orphan.
	MaxOrphanTxSize int

	// MaxCachedBlocks is the maximum number of blocks waiting for their
	// parent.
	MaxCachedBlocks int

	// MaxBlockAge is the maximum amount of time a block waits for its
	// parent.
	MaxBlockAge time.Duration

	// MaxRevalidationAttempts is the number of failed attempts to connect a
	// cached block after which it is dropped.
	MaxRevalidationAttempts int

	// WaitPolicy adjusts the minimum time between attempts to connect the
	// same cached block.
	WaitPolicy blockcache.WaitPolicy

	// MaxForkSwitches is the number of failed attempts to switch to the
	// same fork tip after which further attempts are refused.
	MaxForkSwitches int

	// ForkSwitchCooldown is the amount of time after the last failed switch
	// to a fork tip at which its failures are forgotten.
	ForkSwitchCooldown time.Duration

	// BlockStallTimeout is the base timeout of block requests.
	BlockStallTimeout time.Duration

	// StallTickInterval is the interval at which stalled peers are
	// detected.
	StallTickInterval time.Duration

	// RevalidateInterval is the interval at which forced revalidation
	// passes run.
	RevalidateInterval time.Duration
}

// Manager admits blocks and transactions received from peers.  It connects
// blocks whose parent is known, caches the others until their parent arrives,
// keeps transactions with unknown inputs as orphans, tracks the blocks in
// flight from every peer, and switches the active chain to valid forks with
// more work.
//
// All events are processed by a single goroutine so the decisions are made
// against a consistent view of the chain.
type Manager struct {
	// quit is used for lifecycle management of the manager.
	quit chan struct{}

	// cfg specifies the configuration of the manager and is set at creation
	// time and treated as immutable after that.
	cfg Config

	cache    *blockcache.Cache
	orphans  *orphanpool.Pool
	peers    *peerstate.Table
	selector *chainselect.Selector
	throttle *chainselect.Throttle

	knownInvalid   *lru.Set[chainhash.Hash]
	rejectedTxns   *apbf.Filter
	progressLogger *progresslog.Logger
	msgChan        chan interface{}
	fatalOnce      sync.Once
}

// isScriptError returns whether the error is the result of a failed script
// check.
func isScriptError(err error) bool {
	return errors.Is(err, scriptcheck.ErrScriptValidation) ||
		errors.Is(err, scriptcheck.ErrScriptMalformed)
}

// originOf returns the origin of blocks received from the provided peer.
func originOf(peerID int32) blockcache.Origin {
	if peerID == LocalPeerID {
		return blockcache.OriginImport
	}
	return blockcache.OriginP2P
}

// fatal reports an unrecoverable failure of the chain state.  Only the first
// failure is reported.
func (m *Manager) fatal(err error) {
	m.fatalOnce.Do(func() {
		log.Criticalf("Unrecoverable chain state failure: %v", err)
		if m.cfg.OnFatal != nil {
			m.cfg.OnFatal(err)
		}
	})
}

// haveTransaction returns whether the transaction is either in the pool or
// part of the main chain.
func (m *Manager) haveTransaction(hash *chainhash.Hash) bool {
	return m.cfg.TxPool.HaveTransaction(hash) ||
		m.cfg.Chain.HaveTransaction(hash)
}

// misbehaving increases the misbehavior score of the peer and bans it once the
// score reaches the ban threshold.
func (m *Manager) misbehaving(peerID int32, delta uint32, reason string) {
	if peerID == LocalPeerID {
		return
	}
	peer, ok := m.peers.Get(peerID)
	if !ok {
		return
	}
	score, ban := peer.Misbehaving(delta, reason)
	m.cfg.Metrics.ObserveMisbehavior()
	m.cfg.PeerNotifier.Misbehaving(peerID, score, reason)
	if ban {
		log.Infof("Banning peer %s: %s", peer, reason)
		m.cfg.PeerNotifier.Ban(peerID, reason)
	}
}

// requestBlock requests the block from the peer unless it is already known,
// cached, or in flight.  It returns whether the block was requested.
func (m *Manager) requestBlock(peerID int32, hash *chainhash.Hash) bool {
	if peerID == LocalPeerID || m.knownInvalid.Contains(*hash) {
		return false
	}
	if m.cfg.Chain.HaveBlock(hash) || m.cache.HaveBlock(hash) {
		return false
	}
	if !m.peers.RequestBlock(peerID, hash, false) {
		return false
	}
	m.cfg.PeerNotifier.RequestBlock(peerID, hash)
	return true
}

// downloadPeers returns the peers that blocks may be requested from.
func (m *Manager) downloadPeers() []*peerstate.Peer {
	var peers []*peerstate.Peer
	for _, peer := range m.peers.Peers() {
		if peer.FullyConnected() && peer.State() != peerstate.StateStalled {
			peers = append(peers, peer)
		}
	}
	return peers
}

// requestWanted requests the blocks that were released by peers that went
// away from the least loaded remaining peers.  Blocks that can not be
// requested stay wanted.
func (m *Manager) requestWanted() {
	numWanted := m.peers.NumWanted()
	if numWanted == 0 {
		return
	}
	candidates := m.downloadPeers()
	if len(candidates) == 0 {
		return
	}

	var numRequested int
	wanted := m.peers.TakeWanted(numWanted)
	for i := range wanted {
		hash := &wanted[i]
		if m.cfg.Chain.HaveBlock(hash) || m.cache.HaveBlock(hash) {
			continue
		}

		var target *peerstate.Peer
		for _, peer := range candidates {
			numInFlight := peer.NumInFlight()
			if numInFlight >= maxRequestsPerPeer {
				continue
			}
			if target == nil || numInFlight < target.NumInFlight() {
				target = peer
			}
		}
		if target == nil || !m.requestBlock(target.ID(), hash) {
			m.peers.AddWanted(hash)
			continue
		}
		numRequested++
	}
	if numRequested > 0 {
		log.Debugf("Requested %d released %s from other peers", numRequested,
			pickNoun(numRequested, "block", "blocks"))
	}
}

// blockConfirmed updates the transaction pool and the orphans for a block that
// was added to the main chain.
func (m *Manager) blockConfirmed(block *dcrutil.Block) {
	m.cfg.TxPool.RemoveConfirmed(block)
	m.rejectedTxns.Reset()
	m.orphans.ResetRejects()

	// Orphans that were mined are no longer orphans.  Their redeemers are
	// kept since they may now be valid.
	txns := block.Transactions()
	for _, tx := range txns {
		m.orphans.RemoveOrphan(tx.Hash(), false)
	}

	// Orphans that spend outputs of the block are now either valid or
	// double spends.
	for _, tx := range txns {
		for _, accepted := range m.orphans.ProcessDependents(tx.Hash()) {
			log.Debugf("Accepted orphan transaction %v", accepted.Hash())
		}
	}
}

// blockConnected performs the bookkeeping for a block that was connected to
// the chain either directly or from the cache.
func (m *Manager) blockConnected(block *dcrutil.Block, peerID int32, forkLen int64) {
	hash := block.Hash()
	onMainChain := forkLen == 0
	if onMainChain {
		m.cfg.Metrics.ObserveBlock(metrics.BlockConnected)
		m.blockConfirmed(block)
	} else {
		m.cfg.Metrics.ObserveBlock(metrics.BlockSideChain)
	}
	m.progressLogger.LogProgress(block.MsgBlock(), !onMainChain, false)

	ref, ok := m.cfg.Chain.BlockRef(hash)
	if !ok {
		return
	}
	best := m.cfg.Chain.BestSnapshot()
	if peer, ok := m.peers.Get(peerID); ok {
		peer.UpdateBestKnown(&ref)
		if onMainChain {
			peer.SetLastCommon(&ref)
		}
		m.selector.Update(peerID, &ref, best.Height)
	}
}

// onCachedBlockRejected is invoked by the block cache for every cached block
// that was dropped.
func (m *Manager) onCachedBlockRejected(hash *chainhash.Hash, peerID int32, err error) {
	m.cfg.Metrics.ObserveBlock(metrics.BlockRejected)
	if errors.Is(err, blockcache.ErrAttemptsExhausted) {
		// The block is not known to be invalid, but every attempt to
		// connect it was paid for with a full validation.
		log.Debugf("Gave up on cached block %v from peer %d: %v", hash,
			peerID, err)
		m.misbehaving(peerID, misbehaviorUnconnectable,
			fmt.Sprintf("sent block %v that could not be connected", hash))
		return
	}

	m.knownInvalid.Put(*hash)
	if errors.Is(err, blockcache.ErrAncestorRejected) {
		return
	}
	if isScriptError(err) {
		m.cfg.Metrics.ObserveScriptFailure()
	}
	log.Infof("Rejected cached block %v from peer %d: %v", hash, peerID, err)
	m.misbehaving(peerID, misbehaviorInvalidBlock,
		fmt.Sprintf("sent invalid block %v", hash))
}

// revalidate runs a revalidation pass over the cached blocks.
func (m *Manager) revalidate(force bool) error {
	start := time.Now()
	n, err := m.cache.RevalidateBlocks(force)
	m.cfg.Metrics.ObserveRevalidation(start, n)
	if err != nil {
		m.fatal(err)
		return err
	}
	if n > 0 {
		log.Debugf("Connected %d cached %s", n, pickNoun(n, "block",
			"blocks"))
	}
	return nil
}

// forkBlocks returns the blocks that are attached and detached when switching
// the main chain to the provided tip in the order they are attached and
// detached respectively.
func (m *Manager) forkBlocks(tip *chainhash.Hash) ([]*dcrutil.Block, []*dcrutil.Block, error) {
	var attach []*dcrutil.Block
	hash := *tip
	for !m.cfg.Chain.MainChainHasBlock(&hash) {
		block, err := m.cfg.Chain.BlockByHash(&hash)
		if err != nil {
			return nil, nil, err
		}
		attach = append(attach, block)
		hash = block.MsgBlock().Header.PrevBlock
	}
	for i, j := 0, len(attach)-1; i < j; i, j = i+1, j-1 {
		attach[i], attach[j] = attach[j], attach[i]
	}

	forkHash := hash
	var detach []*dcrutil.Block
	hash = m.cfg.Chain.BestSnapshot().Hash
	for hash != forkHash {
		block, err := m.cfg.Chain.BlockByHash(&hash)
		if err != nil {
			return nil, nil, err
		}
		detach = append(detach, block)
		hash = block.MsgBlock().Header.PrevBlock
	}
	return attach, detach, nil
}

// switchChain attempts to switch the main chain to the provided fork tip
// unless recent attempts to do so failed too often.
func (m *Manager) switchChain(candidate *chainstore.BlockRef) {
	hash := &candidate.Hash
	best := m.cfg.Chain.BestSnapshot()
	if !candidate.Work.Gt(&best.Work) {
		return
	}
	if !m.throttle.ShouldAttempt(hash) {
		log.Debugf("Not switching to fork tip %v after %d recent failures",
			hash, m.throttle.Failures(hash))
		m.cfg.Metrics.ObserveForkSwitchThrottled()
		return
	}

	attach, detach, err := m.forkBlocks(hash)
	if err != nil {
		if chainstore.IsFatal(err) {
			m.fatal(err)
			return
		}
		log.Warnf("Unable to determine the blocks of fork %v: %v", hash, err)
		return
	}

	log.Infof("Switching main chain to fork tip %v (%d %s detached, %d "+
		"attached)", candidate, len(detach), pickNoun(len(detach), "block",
		"blocks"), len(attach))
	err = m.cfg.Chain.Reorganize(hash)
	m.cfg.Metrics.ObserveForkSwitch(err)
	if err != nil {
		switch {
		case chainstore.IsFatal(err):
			m.fatal(err)
			return
		case errors.Is(err, chainstore.ErrNotMoreWork):
			return
		}
		if isScriptError(err) {
			m.cfg.Metrics.ObserveScriptFailure()
		}
		failures := m.throttle.NotifyFailedSwitch(hash)
		log.Warnf("Failed to switch to fork tip %v (%d %s): %v", hash,
			failures, pickNoun(failures, "failure", "failures"), err)
		return
	}

	for _, block := range attach {
		m.blockConfirmed(block)
	}

	// Return the transactions of the detached blocks to the pool in the
	// order they were originally confirmed.
	for i := len(detach) - 1; i >= 0; i-- {
		for _, tx := range detach[i].Transactions()[1:] {
			if _, err := m.cfg.TxPool.MaybeAcceptTransaction(tx); err != nil {
				log.Tracef("Dropping transaction %v of detached block: %v",
					tx.Hash(), err)
			}
		}
	}
}

// maybeSwitchChain switches the main chain to the best valid fork detected
// since the last call, if any.  A peer presenting a stored side chain with even
// more work takes precedence.
func (m *Manager) maybeSwitchChain() {
	candidate, found := m.cache.ValidForkTip()
	m.cache.ResetValidForkDetected()

	if m.selector.HasChanged() {
		m.selector.Checkpoint()
		_, best, ok := m.selector.Get()
		if ok && (!found || best.MoreWorkThan(&candidate)) {
			if ref, ok := m.storedForkTip(&best.Hash); ok {
				candidate, found = ref, true
			}
		}
	}
	if !found {
		return
	}
	m.switchChain(&candidate)
}

// storedForkTip returns the reference of the provided block when it is a
// stored side chain block that is not known to be invalid.
func (m *Manager) storedForkTip(hash *chainhash.Hash) (chainstore.BlockRef, bool) {
	if m.cfg.Chain.MainChainHasBlock(hash) || m.cfg.Chain.IsKnownInvalid(hash) {
		return chainstore.BlockRef{}, false
	}
	return m.cfg.Chain.BlockRef(hash)
}

// handleConnectError handles an error returned by the chain while connecting a
// block received from the provided peer.
func (m *Manager) handleConnectError(block *dcrutil.Block, peerID int32, err error) error {
	hash := block.Hash()
	switch {
	case chainstore.IsFatal(err):
		m.fatal(err)
		return err

	case errors.Is(err, chainstore.ErrDuplicateBlock):
		m.cfg.Metrics.ObserveBlock(metrics.BlockDuplicate)
		return nil

	case chainstore.IsTransient(err):
		// The block is retried by later revalidation passes.
		log.Debugf("Caching block %v from peer %d: %v", hash, peerID, err)
		if m.cache.AddBlock(hash, peerID, originOf(peerID), block) {
			m.cfg.Metrics.ObserveBlock(metrics.BlockCached)
		}
		return nil
	}

	m.knownInvalid.Put(*hash)
	m.cfg.Metrics.ObserveBlock(metrics.BlockRejected)
	if isScriptError(err) {
		m.cfg.Metrics.ObserveScriptFailure()
	}
	log.Infof("Rejected block %v from peer %d: %v", hash, peerID, err)
	m.misbehaving(peerID, misbehaviorInvalidBlock,
		fmt.Sprintf("sent invalid block %v", hash))
	return err
}

// processBlock admits a decoded block received from the provided peer.
func (m *Manager) processBlock(block *dcrutil.Block, peerID int32) error {
	hash := block.Hash()
	header := &block.MsgBlock().Header

	if reqPeerID, ok := m.peers.BlockReceived(hash); !ok {
		if peerID != LocalPeerID {
			log.Tracef("Received unrequested block %v from peer %d", hash,
				peerID)
		}
	} else if reqPeerID != peerID {
		log.Debugf("Received block %v requested from peer %d from peer %d",
			hash, reqPeerID, peerID)
	}

	if m.knownInvalid.Contains(*hash) || m.cfg.Chain.IsKnownInvalid(hash) {
		m.knownInvalid.Put(*hash)
		m.cfg.Metrics.ObserveBlock(metrics.BlockRejected)
		m.misbehaving(peerID, misbehaviorInvalidBlock,
			fmt.Sprintf("sent known invalid block %v", hash))
		str := fmt.Sprintf("block %v is known to be invalid", hash)
		return ruleError(ErrKnownInvalidBlock, str)
	}
	if m.cfg.Chain.HaveBlock(hash) || m.cache.HaveBlock(hash) {
		log.Debugf("Ignoring duplicate block %v from peer %d", hash, peerID)
		m.cfg.Metrics.ObserveBlock(metrics.BlockDuplicate)
		return nil
	}

	parent := &header.PrevBlock
	if m.knownInvalid.Contains(*parent) || m.cfg.Chain.IsKnownInvalid(parent) {
		m.knownInvalid.Put(*hash)
		m.cfg.Metrics.ObserveBlock(metrics.BlockRejected)
		m.misbehaving(peerID, misbehaviorInvalidBlock,
			fmt.Sprintf("sent block %v with invalid ancestor", hash))
		str := fmt.Sprintf("block %v builds on invalid block %v", hash,
			parent)
		return ruleError(ErrInvalidAncestorBlock, str)
	}

	// Cache blocks whose parent is not available yet and request the parent
	// from the same peer.
	if !m.cfg.Chain.HaveBlock(parent) {
		if m.cache.AddBlock(hash, peerID, originOf(peerID), block) {
			m.cfg.Metrics.ObserveBlock(metrics.BlockCached)
		}
		m.requestBlock(peerID, parent)
		return nil
	}

	forkLen, err := m.cfg.Chain.ConnectBlock(block)
	if err != nil {
		return m.handleConnectError(block, peerID, err)
	}
	m.blockConnected(block, peerID, forkLen)
	m.cache.CheckFork(hash, forkLen)

	// Connect the cached blocks that were waiting for this one.
	if m.cache.CheckPrevBlock(hash) {
		if err := m.revalidate(false); err != nil {
			return err
		}
	}
	m.maybeSwitchChain()
	return nil
}

// handleBlockMsg handles block messages from all peers.
func (m *Manager) handleBlockMsg(bmsg *blockMsg) error {
	block, err := dcrutil.NewBlockFromBytes(bmsg.data)
	if err != nil {
		m.cfg.Metrics.ObserveBlock(metrics.BlockRejected)
		m.misbehaving(bmsg.peerID, misbehaviorMalformed, "sent malformed block")
		str := fmt.Sprintf("malformed block from peer %d: %v", bmsg.peerID,
			err)
		return ruleError(ErrMalformedBlock, str)
	}
	return m.processBlock(block, bmsg.peerID)
}

// processTx admits a decoded transaction received from the provided peer.
func (m *Manager) processTx(tx *dcrutil.Tx, peerID int32) error {
	txHash := tx.Hash()

	// Ignore transactions that have already been rejected.
	if m.rejectedTxns.Contains(txHash[:]) || m.orphans.IsRecentlyRejected(txHash) {
		log.Debugf("Ignoring previously rejected transaction %v from peer "+
			"%d", txHash, peerID)
		return nil
	}
	if m.cfg.TxPool.HaveTransaction(txHash) || m.orphans.HaveOrphan(txHash) {
		return nil
	}

	missing, err := m.cfg.TxPool.MaybeAcceptTransaction(tx)
	if err != nil {
		// Do not process this transaction again until a new block has been
		// connected.
		m.rejectedTxns.Add(txHash[:])

		switch {
		case errors.Is(err, txpool.ErrDuplicate),
			errors.Is(err, txpool.ErrAlreadyExists):
			return nil

		case isScriptError(err), errors.Is(err, txpool.ErrInvalid):
			if isScriptError(err) {
				m.cfg.Metrics.ObserveScriptFailure()
			}
			m.misbehaving(peerID, misbehaviorInvalidTx,
				fmt.Sprintf("sent invalid transaction %v", txHash))
		}

		// When the error is a rule error, it means the transaction was
		// simply rejected as opposed to something actually going wrong,
		// so log it as such.  Otherwise, something really did go wrong,
		// so log it as an actual error.
		var rErr txpool.RuleError
		if errors.As(err, &rErr) {
			log.Debugf("Rejected transaction %v from peer %d: %v", txHash,
				peerID, err)
		} else {
			log.Errorf("Failed to process transaction %v: %v", txHash, err)
		}
		return err
	}

	if len(missing) > 0 {
		if m.orphans.Add(tx, orphanpool.Tag(peerID)) {
			evicted := m.orphans.LimitSize(m.cfg.MaxOrphanTxs)
			if evicted > 0 {
				log.Debugf("Evicted %d orphan %s", evicted,
					pickNoun(evicted, "transaction", "transactions"))
			}
		}
		return nil
	}

	log.Debugf("Accepted transaction %v from peer %d", txHash, peerID)
	for _, accepted := range m.orphans.ProcessDependents(txHash) {
		log.Debugf("Accepted orphan transaction %v", accepted.Hash())
	}
	return nil
}

// handleTxMsg handles transaction messages from all peers.
func (m *Manager) handleTxMsg(tmsg *txMsg) error {
	tx, err := dcrutil.NewTxFromBytes(tmsg.data)
	if err != nil {
		m.misbehaving(tmsg.peerID, misbehaviorMalformed,
			"sent malformed transaction")
		str := fmt.Sprintf("malformed transaction from peer %d: %v",
			tmsg.peerID, err)
		return ruleError(ErrMalformedTx, str)
	}
	return m.processTx(tx, tmsg.peerID)
}

// handlePeerConnectedMsg deals with a new peer that has connected.
func (m *Manager) handlePeerConnectedMsg(msg *peerConnectedMsg) {
	peer, added := m.peers.Add(msg.peerID, msg.addr)
	if !added {
		log.Warnf("Ignoring duplicate connection of peer %s", peer)
		return
	}
	peer.SetFullyConnected()
	peer.StartSync()
	log.Debugf("New peer %s", peer)

	m.requestWanted()
}

// handlePeerDisconnected removes the state of a peer that disconnected and
// requests the blocks that were in flight from it from other peers.
func (m *Manager) handlePeerDisconnected(peerID int32) {
	released := m.peers.Remove(peerID)
	if n := m.orphans.RemoveOrphansByTag(orphanpool.Tag(peerID)); n > 0 {
		log.Debugf("Removed %d orphan %s from peer %d", n,
			pickNoun(n, "transaction", "transactions"), peerID)
	}
	m.selector.Forget(peerID)
	if len(released) > 0 {
		m.requestWanted()
	}
}

// handleBlockAnnouncedMsg updates the best known block of the peer and
// requests the announced block when it is not known yet.
func (m *Manager) handleBlockAnnouncedMsg(msg *blockAnnouncedMsg) {
	peer, ok := m.peers.Get(msg.peerID)
	if !ok {
		return
	}
	peer.UpdateBestKnown(&msg.ref)
	best := m.cfg.Chain.BestSnapshot()
	m.selector.Update(msg.peerID, &msg.ref, best.Height)
	m.requestBlock(msg.peerID, &msg.ref.Hash)
}

// handleStallCheck disconnects the peers whose earliest block request timed
// out and requests the blocks they did not deliver from other peers.
func (m *Manager) handleStallCheck() {
	now := m.cfg.Clock.Now()
	for _, peerID := range m.peers.StalledPeers(now) {
		log.Infof("Peer %d stalled block download -- disconnecting", peerID)
		m.cfg.Metrics.ObserveStall()
		m.cfg.PeerNotifier.Disconnect(peerID, "stalled block download")
		m.handlePeerDisconnected(peerID)
	}
	m.requestWanted()
}

// updateGauges updates the collectors that track the sizes of the pools.
func (m *Manager) updateGauges() {
	m.cfg.Metrics.SetOrphans(m.orphans.Count())
	m.cfg.Metrics.SetCachedBlocks(m.cache.Count())
	m.cfg.Metrics.SetBlocksInFlight(m.peers.NumInFlight())
	m.cfg.Metrics.SetMempoolTxns(m.cfg.TxPool.Count())
}

// eventHandler is the main handler for the admission manager.  It must be run
// as a goroutine.  It processes all events in a single goroutine so blocks and
// transactions are admitted in the order they arrive against a consistent view
// of the chain.
func (m *Manager) eventHandler(ctx context.Context) {
out:
	for {
		select {
		case data := <-m.msgChan:
			switch msg := data.(type) {
			case *peerConnectedMsg:
				m.handlePeerConnectedMsg(msg)

			case *peerDisconnectedMsg:
				m.handlePeerDisconnected(msg.peerID)

			case *blockMsg:
				msg.reply <- m.handleBlockMsg(msg)

			case *txMsg:
				msg.reply <- m.handleTxMsg(msg)

			case *blockAnnouncedMsg:
				m.handleBlockAnnouncedMsg(msg)

			case *revalidateMsg:
				err := m.revalidate(msg.force)
				if err == nil {
					m.maybeSwitchChain()
				}
				msg.reply <- err

			case *stallCheckMsg:
				m.handleStallCheck()
				msg.reply <- struct{}{}

			default:
				log.Warnf("Invalid message type in event handler: %T", msg)
			}
			m.updateGauges()

		case <-ctx.Done():
			break out
		}
	}

	log.Trace("Admission manager event handler done")
}

// stallMonitor periodically detects peers that stalled block downloads.  It
// must be run as a goroutine.
func (m *Manager) stallMonitor(ctx context.Context) {
	for {
		select {
		case <-m.cfg.Clock.TickAfter(m.cfg.StallTickInterval):
			m.CheckStalls()
		case <-ctx.Done():
			return
		}
	}
}

// revalidationDriver periodically runs forced revalidation passes over the
// cached blocks.  It must be run as a goroutine.
func (m *Manager) revalidationDriver(ctx context.Context) {
	for {
		select {
		case <-m.cfg.Clock.TickAfter(m.cfg.RevalidateInterval):
			if err := m.RevalidateBlocks(true); err != nil {
				if !errors.Is(err, ErrShuttingDown) {
					log.Errorf("Revalidation of cached blocks failed: %v",
						err)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// shuttingDown returns the error reported to callers once the manager stops.
func shuttingDown() error {
	return ruleError(ErrShuttingDown, "admission manager stopped")
}

// OnPeerConnected informs the manager of a newly connected peer.
func (m *Manager) OnPeerConnected(peerID int32, addr string) {
	select {
	case m.msgChan <- &peerConnectedMsg{peerID: peerID, addr: addr}:
	case <-m.quit:
	}
}

// OnPeerDisconnected informs the manager that a peer disconnected.
func (m *Manager) OnPeerDisconnected(peerID int32) {
	select {
	case m.msgChan <- &peerDisconnectedMsg{peerID: peerID}:
	case <-m.quit:
	}
}

// OnBlockAnnounced informs the manager that a peer has the referenced block.
func (m *Manager) OnBlockAnnounced(peerID int32, ref chainstore.BlockRef) {
	select {
	case m.msgChan <- &blockAnnouncedMsg{peerID: peerID, ref: ref}:
	case <-m.quit:
	}
}

// OnBlockReceived processes a serialized block received from a peer and blocks
// until it is processed.  Blocks that are connected, cached to wait for their
// parent, or already known do not result in an error.
//
// Blocks that do not come from a network peer must use LocalPeerID.
func (m *Manager) OnBlockReceived(peerID int32, data []byte) error {
	reply := make(chan error, 1)
	select {
	case m.msgChan <- &blockMsg{peerID: peerID, data: data, reply: reply}:
	case <-m.quit:
		return shuttingDown()
	}

	select {
	case err := <-reply:
		return err
	case <-m.quit:
		return shuttingDown()
	}
}

// OnTxReceived processes a serialized transaction received from a peer and
// blocks until it is processed.  Transactions that are accepted, kept as
// orphans, or already known do not result in an error.
func (m *Manager) OnTxReceived(peerID int32, data []byte) error {
	reply := make(chan error, 1)
	select {
	case m.msgChan <- &txMsg{peerID: peerID, data: data, reply: reply}:
	case <-m.quit:
		return shuttingDown()
	}

	select {
	case err := <-reply:
		return err
	case <-m.quit:
		return shuttingDown()
	}
}

// RevalidateBlocks runs a revalidation pass over the cached blocks and blocks
// until it completes.  Forced passes also attempt blocks that are not known to
// have a newly available parent and expire old blocks.
func (m *Manager) RevalidateBlocks(force bool) error {
	reply := make(chan error, 1)
	select {
	case m.msgChan <- &revalidateMsg{force: force, reply: reply}:
	case <-m.quit:
		return shuttingDown()
	}

	select {
	case err := <-reply:
		return err
	case <-m.quit:
		return shuttingDown()
	}
}

// CheckStalls disconnects the peers that stalled block downloads and blocks
// until the check completes.
func (m *Manager) CheckStalls() {
	reply := make(chan struct{}, 1)
	select {
	case m.msgChan <- &stallCheckMsg{reply: reply}:
	case <-m.quit:
		return
	}

	select {
	case <-reply:
	case <-m.quit:
	}
}

// Run starts the manager and all other goroutines necessary for it to function
// properly and blocks until the provided context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	log.Trace("Starting admission manager")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		m.eventHandler(ctx)
		wg.Done()
	}()
	go func() {
		m.stallMonitor(ctx)
		wg.Done()
	}()
	go func() {
		m.revalidationDriver(ctx)
		wg.Done()
	}()

	// Shutdown the manager when the context is cancelled.
	<-ctx.Done()
	close(m.quit)
	wg.Wait()
	log.Trace("Admission manager stopped")
}

// New returns a new admission manager.  Use Run to begin processing
// asynchronous events.
func New(config *Config) *Manager {
	c := *config
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.MaxOrphanTxs <= 0 {
		c.MaxOrphanTxs = orphanpool.DefaultMaxOrphanTransactions
	}
	if c.StallTickInterval <= 0 {
		c.StallTickInterval = DefaultStallTickInterval
	}
	if c.RevalidateInterval <= 0 {
		c.RevalidateInterval = DefaultRevalidateInterval
	}

	m := &Manager{
		cfg:            c,
		selector:       chainselect.NewSelector(),
		knownInvalid:   lru.NewSet[chainhash.Hash](maxKnownInvalidBlocks),
		rejectedTxns:   apbf.NewFilter(maxRejectedTxns, rejectedTxnsFPRate),
		progressLogger: progresslog.New("Processed", log, c.Clock),
		msgChan:        make(chan interface{}, c.MaxPeers*3),
		quit:           make(chan struct{}),
	}
	m.orphans = orphanpool.New(&orphanpool.Config{
		HaveTransaction: m.haveTransaction,
		Acceptor:        c.TxPool,
		MaxOrphanTxSize: c.MaxOrphanTxSize,
		Clock:           c.Clock,
	})
	m.cache = blockcache.New(&blockcache.Config{
		Chain:       c.Chain,
		Clock:       c.Clock,
		MaxBlocks:   c.MaxCachedBlocks,
		MaxAge:      c.MaxBlockAge,
		MaxAttempts: c.MaxRevalidationAttempts,
		WaitPolicy:  c.WaitPolicy,
		OnConnect:   m.blockConnected,
		OnReject:    m.onCachedBlockRejected,
	})
	m.peers = peerstate.NewTable(&peerstate.TableConfig{
		Clock:             c.Clock,
		BlockStallTimeout: c.BlockStallTimeout,
	})
	m.throttle = chainselect.NewThrottle(&chainselect.ThrottleConfig{
		MaxFailures: c.MaxForkSwitches,
		Expiration:  c.ForkSwitchCooldown,
		Clock:       c.Clock,
	})
	return m
}

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
