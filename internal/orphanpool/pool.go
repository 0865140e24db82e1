// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package orphanpool

import (
	"math"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/apbf"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultMaxOrphanTransactions is the default maximum number of orphan
	// transactions retained by the pool after a call to LimitSize.
	DefaultMaxOrphanTransactions = 100

	// DefaultMaxOrphanTxSize is the default maximum serialized size of an
	// orphan transaction.
	DefaultMaxOrphanTxSize = 100000

	// orphanTTL is the maximum amount of time an orphan is allowed to
	// stay in the orphan pool before it expires and is evicted during the
	// next scan.
	orphanTTL = time.Minute * 15

	// orphanExpireScanInterval is the minimum amount of time in between
	// scans of the orphan pool to evict expired transactions.
	orphanExpireScanInterval = time.Minute * 5

	// maxRejectedTxns specifies the maximum number of recently rejected
	// orphans to track.  rejectedTxnsFPRate is the false positive rate of
	// the filter used to track them.
	maxRejectedTxns    = 62500
	rejectedTxnsFPRate = 0.0000001
)

// Tag represents an identifier to use for tagging orphan transactions.  The
// caller may choose any scheme it desires, however it is common to use peer IDs
// so that orphans can be identified by which peer first relayed them.
type Tag uint64

// Acceptor defines the interface the pool uses to re-offer orphans once one of
// their parents becomes available.
type Acceptor interface {
	// MaybeAcceptTransaction attempts to accept the transaction into the
	// main transaction pool.  A nil error with a non-empty slice of missing
	// parents means the transaction is still an orphan.  Any error means the
	// transaction was rejected.
	MaybeAcceptTransaction(tx *dcrutil.Tx) ([]*chainhash.Hash, error)
}

// Config is a descriptor containing the orphan pool configuration.
type Config struct {
	// HaveTransaction returns whether or not the transaction with the given
	// hash is known either in the main chain or the transaction pool.
	HaveTransaction func(hash *chainhash.Hash) bool

	// Acceptor is used to re-admit orphans whose parents became available.
	Acceptor Acceptor

	// MaxOrphanTxSize is the maximum serialized size of an orphan.
	MaxOrphanTxSize int

	// Clock is the time source used for orphan expiration.  The system
	// clock is used when it is nil.
	Clock clock.Clock
}

// orphanTx is a normal transaction that references an ancestor transaction
// that is not yet available.  It also contains additional information related
// to it such as an expiration time to help prevent caching the orphan forever.
type orphanTx struct {
	tx         *dcrutil.Tx
	tag        Tag
	expiration time.Time

	// missing are the parent transactions the orphan is indexed under.
	missing []chainhash.Hash

	// idx is the position of the orphan in the random eviction list.
	idx int
}

// Pool houses transactions that reference outputs of transactions which are
// not yet known.  It is safe for concurrent access.
type Pool struct {
	cfg Config

	mtx       sync.Mutex
	orphans   map[chainhash.Hash]*orphanTx
	byParent  map[chainhash.Hash]map[chainhash.Hash]*orphanTx
	evictList []*orphanTx

	// rejected tracks orphans which failed validation once their parents
	// became available.
	rejected *apbf.Filter

	// nextExpireScan is the time after which the orphan pool will be
	// scanned in order to evict orphans.  This is NOT a hard deadline as
	// the scan will only run when an orphan is added to the pool as opposed
	// to on an unconditional timer.
	nextExpireScan time.Time
}

// New returns a new orphan pool for the provided configuration.
func New(cfg *Config) *Pool {
	c := *cfg
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.MaxOrphanTxSize <= 0 {
		c.MaxOrphanTxSize = DefaultMaxOrphanTxSize
	}
	return &Pool{
		cfg:            c,
		orphans:        make(map[chainhash.Hash]*orphanTx),
		byParent:       make(map[chainhash.Hash]map[chainhash.Hash]*orphanTx),
		rejected:       apbf.NewFilter(maxRejectedTxns, rejectedTxnsFPRate),
		nextExpireScan: c.Clock.Now().Add(orphanExpireScanInterval),
	}
}

// missingParents returns the unique hashes of the parents referenced by the
// transaction that are not currently known.
func (p *Pool) missingParents(tx *dcrutil.Tx) []chainhash.Hash {
	var missing []chainhash.Hash
	for _, txIn := range tx.MsgTx().TxIn {
		prevOut := &txIn.PreviousOutPoint
		if prevOut.Index == math.MaxUint32 {
			continue
		}
		if p.cfg.HaveTransaction(&prevOut.Hash) {
			continue
		}
		duplicate := false
		for i := range missing {
			if missing[i] == prevOut.Hash {
				duplicate = true
				break
			}
		}
		if !duplicate {
			missing = append(missing, prevOut.Hash)
		}
	}
	return missing
}

// index adds the orphan to the parent index under each of its missing parents.
//
// This function MUST be called with the pool lock held (for writes).
func (p *Pool) index(otx *orphanTx) {
	txHash := *otx.tx.Hash()
	for _, parent := range otx.missing {
		dependents, ok := p.byParent[parent]
		if !ok {
			dependents = make(map[chainhash.Hash]*orphanTx)
			p.byParent[parent] = dependents
		}
		dependents[txHash] = otx
	}
}

// unindex removes the orphan from the parent index.
//
// This function MUST be called with the pool lock held (for writes).
func (p *Pool) unindex(otx *orphanTx) {
	txHash := *otx.tx.Hash()
	for _, parent := range otx.missing {
		dependents, ok := p.byParent[parent]
		if !ok {
			continue
		}
		delete(dependents, txHash)

		// Remove the map entry altogether if there are no longer any
		// orphans which depend on it.
		if len(dependents) == 0 {
			delete(p.byParent, parent)
		}
	}
}

// removeOrphan removes the orphan with the passed hash from the pool and all
// indexes.  Orphans that spend outputs of it are removed as well when
// removeRedeemers is set.  It returns the number of orphans removed.
//
// This function MUST be called with the pool lock held (for writes).
func (p *Pool) removeOrphan(txHash *chainhash.Hash, removeRedeemers bool) int {
	// Nothing to do if the passed tx does not exist in the orphan pool.
	otx, exists := p.orphans[*txHash]
	if !exists {
		return 0
	}

	log.Tracef("Removing orphan transaction %v", txHash)

	p.unindex(otx)
	delete(p.orphans, *txHash)

	// Swap the last entry of the eviction list into the vacated slot.
	last := len(p.evictList) - 1
	if otx.idx != last {
		moved := p.evictList[last]
		p.evictList[otx.idx] = moved
		moved.idx = otx.idx
	}
	p.evictList[last] = nil
	p.evictList = p.evictList[:last]

	numRemoved := 1
	if removeRedeemers {
		// Collect the redeemers first since removal mutates the index.
		redeemers := p.byParent[*txHash]
		hashes := make([]chainhash.Hash, 0, len(redeemers))
		for hash := range redeemers {
			hashes = append(hashes, hash)
		}
		for i := range hashes {
			numRemoved += p.removeOrphan(&hashes[i], true)
		}
	}
	return numRemoved
}

// expireOrphans removes all orphans whose expiration time has passed when the
// scan interval has elapsed.
//
// This function MUST be called with the pool lock held (for writes).
func (p *Pool) expireOrphans() {
	now := p.cfg.Clock.Now()
	if !now.After(p.nextExpireScan) {
		return
	}

	origNumOrphans := len(p.orphans)
	var expired []chainhash.Hash
	for hash, otx := range p.orphans {
		if now.After(otx.expiration) {
			expired = append(expired, hash)
		}
	}
	for i := range expired {
		// Remove redeemers too because the missing parents are very
		// unlikely to ever materialize since the orphan has already been
		// around more than long enough for them to be delivered.
		p.removeOrphan(&expired[i], true)
	}

	// Set next expiration scan to occur after the scan interval.
	p.nextExpireScan = now.Add(orphanExpireScanInterval)

	numOrphans := len(p.orphans)
	if numExpired := origNumOrphans - numOrphans; numExpired > 0 {
		log.Debugf("Expired %d %s (remaining: %d)", numExpired,
			pickNoun(numExpired, "orphan", "orphans"), numOrphans)
	}
}

// Add attempts to add the passed transaction to the orphan pool tagged with the
// provided identifier.  It returns false when none of the parents of the
// transaction are missing or the transaction is larger than the maximum allowed
// orphan size.  Adding an orphan that is already in the pool has no effect and
// returns true.
//
// This function is safe for concurrent access.
func (p *Pool) Add(tx *dcrutil.Tx, tag Tag) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	txHash := tx.Hash()
	if _, exists := p.orphans[*txHash]; exists {
		return true
	}

	missing := p.missingParents(tx)
	if len(missing) == 0 {
		log.Debugf("Not adding transaction %v with no missing parents",
			txHash)
		return false
	}

	// Ignore orphan transactions that are too large.  This helps avoid a
	// memory exhaustion attack based on sending a lot of really large
	// orphans.  In the case there is a valid transaction larger than this,
	// it will ultimately be rebroadcast after the parent transactions have
	// been mined or otherwise received.
	serializedLen := tx.MsgTx().SerializeSize()
	if serializedLen > p.cfg.MaxOrphanTxSize {
		log.Debugf("Ignoring orphan transaction %v with size of %d bytes "+
			"which is larger than max allowed size of %d bytes", txHash,
			serializedLen, p.cfg.MaxOrphanTxSize)
		return false
	}

	p.expireOrphans()

	otx := &orphanTx{
		tx:         tx,
		tag:        tag,
		expiration: p.cfg.Clock.Now().Add(orphanTTL),
		missing:    missing,
		idx:        len(p.evictList),
	}
	p.orphans[*txHash] = otx
	p.evictList = append(p.evictList, otx)
	p.index(otx)

	log.Debugf("Stored orphan transaction %v (total: %d)", txHash,
		len(p.orphans))
	return true
}

// LimitSize evicts uniformly random orphans until the pool contains no more
// than the provided maximum number of orphans.  It returns the number of
// evicted orphans.
//
// This function is safe for concurrent access.
func (p *Pool) LimitSize(max int) int {
	if max < 0 {
		max = 0
	}

	p.mtx.Lock()
	var numEvicted int
	for len(p.orphans) > max {
		// Don't remove redeemers in the case of a random eviction since
		// it is quite possible they might be needed again shortly.
		otx := p.evictList[rand.IntN(len(p.evictList))]
		numEvicted += p.removeOrphan(otx.tx.Hash(), false)
	}
	p.mtx.Unlock()

	if numEvicted > 0 {
		log.Debugf("Evicted %d %s to limit the orphan pool size to %d",
			numEvicted, pickNoun(numEvicted, "orphan", "orphans"), max)
	}
	return numEvicted
}

// RemoveOrphan removes the passed orphan transaction from the pool.  Orphans
// that spend its outputs are removed as well when removeRedeemers is set.
//
// This function is safe for concurrent access.
func (p *Pool) RemoveOrphan(txHash *chainhash.Hash, removeRedeemers bool) int {
	p.mtx.Lock()
	numRemoved := p.removeOrphan(txHash, removeRedeemers)
	p.mtx.Unlock()
	return numRemoved
}

// RemoveOrphansByTag removes all orphan transactions tagged with the provided
// identifier.
//
// This function is safe for concurrent access.
func (p *Pool) RemoveOrphansByTag(tag Tag) int {
	p.mtx.Lock()
	var tagged []chainhash.Hash
	for hash, otx := range p.orphans {
		if otx.tag == tag {
			tagged = append(tagged, hash)
		}
	}
	var numEvicted int
	for i := range tagged {
		numEvicted += p.removeOrphan(&tagged[i], true)
	}
	p.mtx.Unlock()
	return numEvicted
}

// ProcessDependents re-offers all orphans that depend on the passed resolved
// transaction to the acceptor.  Orphans that are accepted are removed from the
// pool and in turn have their own dependents processed.  Orphans that are
// still missing other parents remain in the pool while orphans that are
// rejected are removed along with every orphan that spends them, and are
// remembered as recently rejected.  Orphans the acceptor refuses because they
// are already known are removed without their redeemers and have their own
// dependents processed.
//
// It returns the accepted transactions in the order they were accepted.
//
// This function is safe for concurrent access.
func (p *Pool) ProcessDependents(resolved *chainhash.Hash) []*dcrutil.Tx {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var acceptedTxns []*dcrutil.Tx
	processList := []chainhash.Hash{*resolved}
	for len(processList) > 0 {
		// Pop the transaction to process from the front of the list.
		parent := processList[0]
		processList = processList[1:]

		dependents, exists := p.byParent[parent]
		if !exists {
			continue
		}
		otxs := make([]*orphanTx, 0, len(dependents))
		for _, otx := range dependents {
			otxs = append(otxs, otx)
		}

		for _, otx := range otxs {
			txHash := otx.tx.Hash()

			// Skip orphans removed as a redeemer of a rejected orphan
			// earlier in this iteration.
			if _, exists := p.orphans[*txHash]; !exists {
				continue
			}

			missing, err := p.cfg.Acceptor.MaybeAcceptTransaction(otx.tx)
			if err != nil && p.cfg.HaveTransaction(txHash) {
				// The orphan is already known, such as when it was mined in
				// the same block as its parent, so it is no longer an orphan
				// and its own dependents are processed.
				log.Tracef("Orphan transaction %v is already known", txHash)
				p.removeOrphan(txHash, false)
				processList = append(processList, *txHash)
				continue
			}
			if err != nil {
				// The orphan is now invalid, so there is no way any
				// other orphans which redeem any of its outputs can be
				// accepted.  Remove them.
				log.Debugf("Rejected orphan transaction %v: %v", txHash,
					err)
				p.rejected.Add(txHash[:])
				p.removeOrphan(txHash, true)
				continue
			}

			// Transaction is still an orphan.  Index it under the
			// parents that are still missing.
			if len(missing) > 0 {
				p.unindex(otx)
				otx.missing = otx.missing[:0]
				for _, hash := range missing {
					otx.missing = append(otx.missing, *hash)
				}
				p.index(otx)
				continue
			}

			// Transaction was accepted into the main pool.
			//
			// Add it to the list of accepted transactions that are no
			// longer orphans, remove it from the orphan pool, and add it
			// to the list of transactions to process so any orphans that
			// depend on it are handled too.
			acceptedTxns = append(acceptedTxns, otx.tx)
			p.removeOrphan(txHash, false)
			processList = append(processList, *txHash)
		}
	}

	return acceptedTxns
}

// IsRecentlyRejected returns whether or not the transaction with the passed
// hash was recently rejected while processing dependents.  False positives
// are possible at a very low rate.
//
// This function is safe for concurrent access.
func (p *Pool) IsRecentlyRejected(txHash *chainhash.Hash) bool {
	p.mtx.Lock()
	rejected := p.rejected.Contains(txHash[:])
	p.mtx.Unlock()
	return rejected
}

// ResetRejects clears the recently rejected filter.  This is typically done
// when the chain tip changes since transactions that were previously rejected
// might now be valid.
//
// This function is safe for concurrent access.
func (p *Pool) ResetRejects() {
	p.mtx.Lock()
	p.rejected.Reset()
	p.mtx.Unlock()
}

// HaveOrphan returns whether or not the passed transaction hash is an orphan
// in the pool.
//
// This function is safe for concurrent access.
func (p *Pool) HaveOrphan(txHash *chainhash.Hash) bool {
	p.mtx.Lock()
	_, exists := p.orphans[*txHash]
	p.mtx.Unlock()
	return exists
}

// Count returns the number of orphans in the pool.
//
// This function is safe for concurrent access.
func (p *Pool) Count() int {
	p.mtx.Lock()
	count := len(p.orphans)
	p.mtx.Unlock()
	return count
}

// DependentsOf returns the hashes of the orphans indexed under the passed
// parent hash.
//
// This function is safe for concurrent access.
func (p *Pool) DependentsOf(parent *chainhash.Hash) []chainhash.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	dependents := p.byParent[*parent]
	hashes := make([]chainhash.Hash, 0, len(dependents))
	for hash := range dependents {
		hashes = append(hashes, hash)
	}
	return hashes
}

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
