// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockcache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultMaxCachedBlocks is the default maximum number of blocks the
	// cache holds.  The oldest arrival is evicted to make room for new
	// blocks once it is reached.
	DefaultMaxCachedBlocks = 256

	// DefaultMaxBlockAge is the default maximum amount of time a block is
	// held by the cache.
	DefaultMaxBlockAge = 30 * time.Minute

	// DefaultMaxRevalidationAttempts is the default number of failed
	// attempts to connect a block after which it is dropped.
	DefaultMaxRevalidationAttempts = 10
)

// Origin identifies how a cached block was obtained.
type Origin uint8

// These constants define the possible block origins.
const (
	// OriginP2P indicates the block was received from a peer.
	OriginP2P Origin = iota

	// OriginImport indicates the block was read from an import file.
	OriginImport

	// OriginLocal indicates the block was submitted locally.
	OriginLocal
)

// originStrings is a map of block origins back to their constant names for
// pretty printing.
var originStrings = map[Origin]string{
	OriginP2P:    "p2p",
	OriginImport: "import",
	OriginLocal:  "local",
}

// String returns the Origin in human-readable form.
func (o Origin) String() string {
	if s, ok := originStrings[o]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Origin (%d)", uint8(o))
}

// Chain defines the chain state the cache connects blocks to.
type Chain interface {
	// HaveBlock returns whether or not the block is stored.
	HaveBlock(hash *chainhash.Hash) bool

	// MainChainHasBlock returns whether or not the block is part of the
	// main chain.
	MainChainHasBlock(hash *chainhash.Hash) bool

	// BlockRef returns a reference to the stored block.
	BlockRef(hash *chainhash.Hash) (chainstore.BlockRef, bool)

	// BestSnapshot returns information about the tip of the main chain.
	BestSnapshot() chainstore.BestState

	// ConnectBlock validates and stores the block.  The returned fork
	// length is zero when the block extended the main chain.
	ConnectBlock(block *dcrutil.Block) (int64, error)
}

// Config is a descriptor containing the block cache configuration.
type Config struct {
	// Chain is the chain state blocks are connected to.
	Chain Chain

	// Clock is the time source for arrival and attempt times.  The system
	// clock is used when it is nil.
	Clock clock.Clock

	// MaxBlocks is the maximum number of cached blocks.
	MaxBlocks int

	// MaxAge is the maximum amount of time a block is cached.
	MaxAge time.Duration

	// MaxAttempts is the number of failed attempts to connect a block after
	// which it is dropped.
	MaxAttempts int

	// WaitPolicy adjusts the minimum time between two attempts to connect
	// the same block.  A PIWaitPolicy is used when it is nil.
	WaitPolicy WaitPolicy

	// OnConnect is invoked for every cached block that was connected.  It
	// is invoked without any cache locks held.
	OnConnect func(block *dcrutil.Block, peerID int32, forkLen int64)

	// OnReject is invoked for every cached block that was dropped because
	// it or one of its cached ancestors failed validation.  It is invoked
	// without any cache locks held.
	OnReject func(hash *chainhash.Hash, peerID int32, err error)
}

// cachedBlock houses a block waiting to be connected along with the details
// needed to schedule its revalidation.
type cachedBlock struct {
	hash        chainhash.Hash
	parent      chainhash.Hash
	block       *dcrutil.Block
	peerID      int32
	origin      Origin
	arrival     time.Time
	lastAttempt time.Time
	attempts    int
	height      int64
	inFork      bool

	// revalidating is set while the block is being connected so it is not
	// evicted in the meantime.
	revalidating bool
}

// EntryInfo houses details about a cached block.
type EntryInfo struct {
	PeerID      int32
	Origin      Origin
	Arrival     time.Time
	LastAttempt time.Time
	Attempts    int
	Height      int64
	InFork      bool
}

// rejection is a dropped block waiting to be reported.
type rejection struct {
	hash   chainhash.Hash
	peerID int32
	err    error
}

// Cache holds blocks that can not be connected yet because their parent is not
// available and connects them once it is.
type Cache struct {
	cfg Config

	// processing guards revalidation passes so that at most one runs at a
	// time.
	processing atomic.Bool

	mtx      sync.Mutex
	entries  map[chainhash.Hash]*cachedBlock
	children map[chainhash.Hash][]chainhash.Hash
	unlinked map[chainhash.Hash]struct{}
	waitTime time.Duration

	validForkDetected bool
	forkTip           chainstore.BlockRef
}

// New returns a new block cache for the provided configuration.  Unset limits
// are replaced with their defaults.
func New(cfg *Config) *Cache {
	c := &Cache{
		cfg:      *cfg,
		entries:  make(map[chainhash.Hash]*cachedBlock),
		children: make(map[chainhash.Hash][]chainhash.Hash),
		unlinked: make(map[chainhash.Hash]struct{}),
		waitTime: DefaultRevalidationWait,
	}
	if c.cfg.Clock == nil {
		c.cfg.Clock = clock.NewDefaultClock()
	}
	if c.cfg.MaxBlocks <= 0 {
		c.cfg.MaxBlocks = DefaultMaxCachedBlocks
	}
	if c.cfg.MaxAge <= 0 {
		c.cfg.MaxAge = DefaultMaxBlockAge
	}
	if c.cfg.MaxAttempts <= 0 {
		c.cfg.MaxAttempts = DefaultMaxRevalidationAttempts
	}
	if c.cfg.WaitPolicy == nil {
		c.cfg.WaitPolicy = NewPIWaitPolicy()
	}
	return c
}

// removeEntry removes the block from the cache along with the edge to its
// parent.
//
// This function MUST be called with the cache lock held (for writes).
func (c *Cache) removeEntry(entry *cachedBlock) {
	delete(c.entries, entry.hash)

	siblings := c.children[entry.parent]
	for i := range siblings {
		if siblings[i] == entry.hash {
			siblings[i] = siblings[len(siblings)-1]
			siblings = siblings[:len(siblings)-1]
			break
		}
	}
	if len(siblings) == 0 {
		delete(c.children, entry.parent)
		delete(c.unlinked, entry.parent)
		return
	}
	c.children[entry.parent] = siblings
}

// evictOldest removes the block that arrived first and is not being connected.
//
// This function MUST be called with the cache lock held (for writes).
func (c *Cache) evictOldest() bool {
	var oldest *cachedBlock
	for _, entry := range c.entries {
		if entry.revalidating {
			continue
		}
		if oldest == nil || entry.arrival.Before(oldest.arrival) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	log.Debugf("Evicting cached block %v (height %d) from peer %d to make "+
		"room", oldest.hash, oldest.height, oldest.peerID)
	c.removeEntry(oldest)
	return true
}

// AddBlock adds the block, whose parent is not connected yet, to the cache.
// It returns false when the block is already cached.
//
// This function is safe for concurrent access.
func (c *Cache) AddBlock(hash *chainhash.Hash, peerID int32, origin Origin, block *dcrutil.Block) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, ok := c.entries[*hash]; ok {
		return false
	}
	if len(c.entries) >= c.cfg.MaxBlocks && !c.evictOldest() {
		log.Warnf("Unable to cache block %v: cache is full", hash)
		return false
	}

	header := &block.MsgBlock().Header
	entry := &cachedBlock{
		hash:    *hash,
		parent:  header.PrevBlock,
		block:   block,
		peerID:  peerID,
		origin:  origin,
		arrival: c.cfg.Clock.Now(),
		height:  int64(header.Height),
	}

	// The parent may have been connected since the caller checked for it.
	// Schedule the block for the next pass in that case.
	if c.cfg.Chain.HaveBlock(&entry.parent) {
		entry.inFork = !c.cfg.Chain.MainChainHasBlock(&entry.parent)
		c.unlinked[entry.parent] = struct{}{}
	}

	c.entries[*hash] = entry
	c.children[entry.parent] = append(c.children[entry.parent], *hash)
	log.Debugf("Cached block %v (height %d) from peer %d via %v", hash,
		entry.height, peerID, origin)
	return true
}

// CheckPrevBlock records that the block with the provided hash is being
// connected so the cached blocks that declare it as their parent are revisited
// by the next revalidation pass.  It returns whether any such blocks exist.
//
// This function is safe for concurrent access.
func (c *Cache) CheckPrevBlock(hash *chainhash.Hash) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if len(c.children[*hash]) == 0 {
		return false
	}
	c.unlinked[*hash] = struct{}{}
	return true
}

// expireEntries removes the blocks that have been cached for longer than the
// maximum age.
//
// This function MUST be called with the cache lock held (for writes).
func (c *Cache) expireEntries(now time.Time) {
	var numExpired int
	for _, entry := range c.entries {
		if entry.revalidating || now.Sub(entry.arrival) <= c.cfg.MaxAge {
			continue
		}
		c.removeEntry(entry)
		numExpired++
	}
	if numExpired > 0 {
		log.Debugf("Expired %d cached %s", numExpired, pickNoun(numExpired,
			"block", "blocks"))
	}
}

// collectCandidates returns the hashes of the blocks to attempt to connect,
// ordered by height and then arrival.  Blocks whose parent was recorded by
// CheckPrevBlock are always included.  Forced passes include every block whose
// parent is stored and which has waited long enough since its last attempt.
//
// This function MUST be called with the cache lock held (for writes).
func (c *Cache) collectCandidates(now time.Time, force bool) []chainhash.Hash {
	seen := make(map[chainhash.Hash]struct{})
	var candidates []*cachedBlock
	for parent := range c.unlinked {
		if !c.cfg.Chain.HaveBlock(&parent) {
			continue
		}
		delete(c.unlinked, parent)
		for _, hash := range c.children[parent] {
			if _, ok := seen[hash]; ok {
				continue
			}
			seen[hash] = struct{}{}
			candidates = append(candidates, c.entries[hash])
		}
	}
	if force {
		for hash, entry := range c.entries {
			if _, ok := seen[hash]; ok {
				continue
			}
			if now.Sub(entry.lastAttempt) < c.waitTime {
				continue
			}
			if !c.cfg.Chain.HaveBlock(&entry.parent) {
				continue
			}
			seen[hash] = struct{}{}
			candidates = append(candidates, entry)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].height != candidates[j].height {
			return candidates[i].height < candidates[j].height
		}
		return candidates[i].arrival.Before(candidates[j].arrival)
	})
	hashes := make([]chainhash.Hash, 0, len(candidates))
	for _, entry := range candidates {
		hashes = append(hashes, entry.hash)
	}
	return hashes
}

// dropSubtree removes the block and all of its cached descendants.  The
// returned rejections report the provided error for the block itself and
// ErrAncestorRejected for the descendants.
//
// This function MUST be called with the cache lock held (for writes).
func (c *Cache) dropSubtree(entry *cachedBlock, err error) []rejection {
	dropped := []rejection{{hash: entry.hash, peerID: entry.peerID, err: err}}
	descendants := append([]chainhash.Hash(nil), c.children[entry.hash]...)
	c.removeEntry(entry)
	for len(descendants) > 0 {
		hash := descendants[0]
		descendants = descendants[1:]
		desc, ok := c.entries[hash]
		if !ok {
			continue
		}
		descendants = append(descendants, c.children[hash]...)
		str := fmt.Sprintf("ancestor %v of block %v was rejected", entry.hash,
			hash)
		dropped = append(dropped, rejection{
			hash:   hash,
			peerID: desc.peerID,
			err:    ruleError(ErrAncestorRejected, str),
		})
		c.removeEntry(desc)
	}
	return dropped
}

// reportRejections invokes the reject callback for every dropped block.
func (c *Cache) reportRejections(dropped []rejection) {
	for i := range dropped {
		r := &dropped[i]
		log.Debugf("Dropped cached block %v from peer %d: %v", r.hash,
			r.peerID, r.err)
		if c.cfg.OnReject != nil {
			c.cfg.OnReject(&r.hash, r.peerID, r.err)
		}
	}
}

// CheckFork raises the valid fork signal when the side chain block that was
// just connected has more cumulative work than the tip of the main chain.  It
// is invoked for every block connected by a revalidation pass and must be
// invoked by the caller for blocks it connects directly.
//
// This function is safe for concurrent access.
func (c *Cache) CheckFork(hash *chainhash.Hash, forkLen int64) {
	if forkLen <= 0 {
		return
	}
	ref, ok := c.cfg.Chain.BlockRef(hash)
	if !ok {
		return
	}
	best := c.cfg.Chain.BestSnapshot()
	if !ref.Work.Gt(&best.Work) {
		return
	}

	c.mtx.Lock()
	if !c.validForkDetected || ref.MoreWorkThan(&c.forkTip) {
		c.forkTip = ref
	}
	c.validForkDetected = true
	c.mtx.Unlock()
	log.Infof("Detected valid fork with more work than the main chain at %v "+
		"(fork length %d)", ref, forkLen)
}

// RevalidateBlocks attempts to connect the cached blocks whose parent became
// available and, transitively, the cached blocks that build on them.  Blocks
// that fail with a missing dependency stay cached until they exceed the
// maximum number of attempts.  Blocks that fail validation are dropped along
// with their cached descendants.
//
// A pass only considers blocks recorded via CheckPrevBlock unless force is
// set, in which case every cached block whose parent is stored and whose wait
// time elapsed is attempted as well.  Forced passes also expire blocks that
// exceeded the maximum age.
//
// At most one pass runs at a time.  Concurrent callers return immediately
// without processing any blocks.  The number of connected blocks is returned
// along with any error from the chain that indicates its state can no longer be
// trusted.
//
// This function is safe for concurrent access.
func (c *Cache) RevalidateBlocks(force bool) (int, error) {
	if !c.processing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer c.processing.Store(false)

	now := c.cfg.Clock.Now()
	c.mtx.Lock()
	if !force && len(c.unlinked) == 0 {
		c.mtx.Unlock()
		return 0, nil
	}
	if force {
		c.expireEntries(now)
	}
	queue := c.collectCandidates(now, force)
	c.mtx.Unlock()

	var processed int
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]

		c.mtx.Lock()
		entry, ok := c.entries[hash]
		if !ok || !c.cfg.Chain.HaveBlock(&entry.parent) {
			c.mtx.Unlock()
			continue
		}
		entry.revalidating = true
		c.mtx.Unlock()

		forkLen, err := c.cfg.Chain.ConnectBlock(entry.block)
		switch {
		case err == nil || errors.Is(err, chainstore.ErrDuplicateBlock):
			c.mtx.Lock()
			entry.revalidating = false
			c.removeEntry(entry)
			next := append([]chainhash.Hash(nil), c.children[hash]...)
			delete(c.unlinked, hash)
			c.mtx.Unlock()

			if err == nil {
				processed++
				log.Debugf("Connected cached block %v (height %d, fork "+
					"length %d)", hash, entry.height, forkLen)
				c.CheckFork(&hash, forkLen)
				if c.cfg.OnConnect != nil {
					c.cfg.OnConnect(entry.block, entry.peerID, forkLen)
				}
			}
			queue = append(queue, next...)

		case chainstore.IsFatal(err):
			c.mtx.Lock()
			entry.revalidating = false
			c.mtx.Unlock()
			return processed, err

		case chainstore.IsTransient(err):
			var dropped []rejection
			c.mtx.Lock()
			entry.revalidating = false
			entry.attempts++
			entry.lastAttempt = now
			if entry.attempts >= c.cfg.MaxAttempts {
				str := fmt.Sprintf("unable to connect block %v after %d "+
					"attempts: %v", hash, entry.attempts, err)
				dropped = c.dropSubtree(entry,
					ruleError(ErrAttemptsExhausted, str))
			}
			c.mtx.Unlock()
			c.reportRejections(dropped)

		default:
			c.mtx.Lock()
			entry.revalidating = false
			dropped := c.dropSubtree(entry, err)
			c.mtx.Unlock()
			c.reportRejections(dropped)
		}
	}

	c.mtx.Lock()
	c.waitTime = c.cfg.WaitPolicy.NextWait(c.waitTime, len(c.entries),
		c.cfg.MaxBlocks)
	c.mtx.Unlock()
	return processed, nil
}

// FindNextBlocks returns the hashes of the cached blocks at or above the
// provided height whose parent is stored, ordered by height and then arrival.
// These are the blocks the next forced pass would attempt to connect.
//
// This function is safe for concurrent access.
func (c *Cache) FindNextBlocks(minHeight int64) []chainhash.Hash {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var ready []*cachedBlock
	for _, entry := range c.entries {
		if entry.height < minHeight {
			continue
		}
		if !c.cfg.Chain.HaveBlock(&entry.parent) {
			continue
		}
		ready = append(ready, entry)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].height != ready[j].height {
			return ready[i].height < ready[j].height
		}
		return ready[i].arrival.Before(ready[j].arrival)
	})
	hashes := make([]chainhash.Hash, 0, len(ready))
	for _, entry := range ready {
		hashes = append(hashes, entry.hash)
	}
	return hashes
}

// FindNextBlock returns the first of the provided hashes that identifies a
// cached block whose parent is stored.
//
// This function is safe for concurrent access.
func (c *Cache) FindNextBlock(candidates []chainhash.Hash) (chainhash.Hash, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, hash := range candidates {
		entry, ok := c.entries[hash]
		if ok && c.cfg.Chain.HaveBlock(&entry.parent) {
			return hash, true
		}
	}
	return chainhash.Hash{}, false
}

// IsValidForkDetected returns whether a revalidation pass connected a side
// chain block with more cumulative work than the main chain since the signal
// was last reset.
//
// This function is safe for concurrent access.
func (c *Cache) IsValidForkDetected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.validForkDetected
}

// ValidForkTip returns the side chain block with the most cumulative work that
// raised the valid fork signal.
//
// This function is safe for concurrent access.
func (c *Cache) ValidForkTip() (chainstore.BlockRef, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.forkTip, c.validForkDetected
}

// ResetValidForkDetected clears the valid fork signal.
//
// This function is safe for concurrent access.
func (c *Cache) ResetValidForkDetected() {
	c.mtx.Lock()
	c.validForkDetected = false
	c.forkTip = chainstore.BlockRef{}
	c.mtx.Unlock()
}

// HaveBlock returns whether the block is cached.
//
// This function is safe for concurrent access.
func (c *Cache) HaveBlock(hash *chainhash.Hash) bool {
	c.mtx.Lock()
	_, ok := c.entries[*hash]
	c.mtx.Unlock()
	return ok
}

// Lookup returns details about the cached block.
//
// This function is safe for concurrent access.
func (c *Cache) Lookup(hash *chainhash.Hash) (EntryInfo, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	entry, ok := c.entries[*hash]
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		PeerID:      entry.peerID,
		Origin:      entry.origin,
		Arrival:     entry.arrival,
		LastAttempt: entry.lastAttempt,
		Attempts:    entry.attempts,
		Height:      entry.height,
		InFork:      entry.inFork,
	}, true
}

// Count returns the number of cached blocks.
//
// This function is safe for concurrent access.
func (c *Cache) Count() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.entries)
}

// WaitTime returns the current minimum time between two attempts to connect
// the same block.
//
// This function is safe for concurrent access.
func (c *Cache) WaitTime() time.Duration {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.waitTime
}

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
