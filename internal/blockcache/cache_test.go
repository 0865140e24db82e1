// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockcache

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/lightningnetwork/lnd/clock"
)

// fakeChain is a chain whose blocks carry one unit of work per block and whose
// validation outcomes are scripted per block.
type fakeChain struct {
	mtx     sync.Mutex
	parents map[chainhash.Hash]chainhash.Hash
	heights map[chainhash.Hash]int64
	main    []chainhash.Hash
	errs    map[chainhash.Hash][]error
	order   []chainhash.Hash
}

// newFakeChain returns a fake chain that only contains the genesis block.
func newFakeChain(genesis chainhash.Hash) *fakeChain {
	return &fakeChain{
		parents: make(map[chainhash.Hash]chainhash.Hash),
		heights: map[chainhash.Hash]int64{genesis: 0},
		main:    []chainhash.Hash{genesis},
		errs:    make(map[chainhash.Hash][]error),
	}
}

// failWith makes the next attempts to connect the block fail with the provided
// errors in order.
func (c *fakeChain) failWith(hash chainhash.Hash, errs ...error) {
	c.mtx.Lock()
	c.errs[hash] = append(c.errs[hash], errs...)
	c.mtx.Unlock()
}

func (c *fakeChain) HaveBlock(hash *chainhash.Hash) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	_, ok := c.heights[*hash]
	return ok
}

func (c *fakeChain) isMain(hash chainhash.Hash) bool {
	height, ok := c.heights[hash]
	return ok && height < int64(len(c.main)) && c.main[height] == hash
}

func (c *fakeChain) MainChainHasBlock(hash *chainhash.Hash) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.isMain(*hash)
}

func (c *fakeChain) BlockRef(hash *chainhash.Hash) (chainstore.BlockRef, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	height, ok := c.heights[*hash]
	if !ok {
		return chainstore.BlockRef{}, false
	}
	ref := chainstore.BlockRef{Hash: *hash, Height: height}
	ref.Work.SetUint64(uint64(height))
	return ref, true
}

func (c *fakeChain) BestSnapshot() chainstore.BestState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	height := int64(len(c.main) - 1)
	best := chainstore.BestState{Hash: c.main[height], Height: height}
	best.Work.SetUint64(uint64(height))
	return best
}

func (c *fakeChain) ConnectBlock(block *dcrutil.Block) (int64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	hash := *block.Hash()
	if _, ok := c.heights[hash]; ok {
		return 0, chainstore.RuleError{Err: chainstore.ErrDuplicateBlock}
	}
	parent := block.MsgBlock().Header.PrevBlock
	parentHeight, ok := c.heights[parent]
	if !ok {
		return 0, chainstore.RuleError{Err: chainstore.ErrMissingParent}
	}
	if errs := c.errs[hash]; len(errs) > 0 {
		c.errs[hash] = errs[1:]
		return 0, errs[0]
	}

	c.parents[hash] = parent
	c.heights[hash] = parentHeight + 1
	c.order = append(c.order, hash)
	if parent == c.main[len(c.main)-1] {
		c.main = append(c.main, hash)
		return 0, nil
	}
	var forkLen int64
	for node := hash; !c.isMain(node); node = c.parents[node] {
		forkLen++
	}
	return forkLen, nil
}

// connected returns the hashes of the connected blocks in connection order.
func (c *fakeChain) connected() []chainhash.Hash {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]chainhash.Hash(nil), c.order...)
}

// testBlock returns a block at the provided height that builds on the parent.
// The nonce distinguishes blocks at the same height.
func testBlock(parent *chainhash.Hash, height uint32, nonce uint32) *dcrutil.Block {
	return dcrutil.NewBlock(&wire.MsgBlock{
		Header: wire.BlockHeader{
			PrevBlock: *parent,
			Height:    height,
			Nonce:     nonce,
		},
	})
}

// chainOf returns a chain of blocks that builds on the parent starting at the
// provided height.
func chainOf(parent *chainhash.Hash, height uint32, nonce uint32, n int) []*dcrutil.Block {
	blocks := make([]*dcrutil.Block, 0, n)
	for i := 0; i < n; i++ {
		block := testBlock(parent, height+uint32(i), nonce)
		blocks = append(blocks, block)
		parent = block.Hash()
	}
	return blocks
}

// rejectRecorder records the blocks reported as rejected.
type rejectRecorder struct {
	mtx  sync.Mutex
	errs map[chainhash.Hash]error
}

func (r *rejectRecorder) onReject(hash *chainhash.Hash, peerID int32, err error) {
	r.mtx.Lock()
	r.errs[*hash] = err
	r.mtx.Unlock()
}

// testHarness houses a cache along with its fake chain and time source.
type testHarness struct {
	genesis chainhash.Hash
	chain   *fakeChain
	clock   *clock.TestClock
	rejects *rejectRecorder
	cache   *Cache
}

// newTestHarness returns a harness whose cache uses the provided config with
// the chain, clock and callbacks filled in.
func newTestHarness(cfg Config) *testHarness {
	genesis := chainhash.Hash{0x01}
	h := &testHarness{
		genesis: genesis,
		chain:   newFakeChain(genesis),
		clock:   clock.NewTestClock(time.Unix(1700000000, 0)),
		rejects: &rejectRecorder{errs: make(map[chainhash.Hash]error)},
	}
	cfg.Chain = h.chain
	cfg.Clock = h.clock
	cfg.OnReject = h.rejects.onReject
	if cfg.WaitPolicy == nil {
		cfg.WaitPolicy = FixedWaitPolicy(0)
	}
	h.cache = New(&cfg)
	return h
}

// addBlocks adds all of the blocks to the cache as if received from the peer.
func (h *testHarness) addBlocks(t *testing.T, peerID int32, blocks ...*dcrutil.Block) {
	t.Helper()
	for _, block := range blocks {
		if !h.cache.AddBlock(block.Hash(), peerID, OriginP2P, block) {
			t.Fatalf("failed to add block %v", block.Hash())
		}
		h.clock.SetTime(h.clock.Now().Add(time.Second))
	}
}

// hashesOf returns the hashes of the blocks.
func hashesOf(blocks ...*dcrutil.Block) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(blocks))
	for _, block := range blocks {
		hashes = append(hashes, *block.Hash())
	}
	return hashes
}

// TestAddBlock ensures the first arrival of a block wins and that blocks whose
// parent is already stored are scheduled for the next pass.
func TestAddBlock(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{})
	block := testBlock(&chainhash.Hash{0xaa}, 5, 0)
	if !h.cache.AddBlock(block.Hash(), 1, OriginP2P, block) {
		t.Fatal("failed to add block")
	}
	if h.cache.AddBlock(block.Hash(), 2, OriginImport, block) {
		t.Fatal("added duplicate block")
	}
	info, ok := h.cache.Lookup(block.Hash())
	if !ok {
		t.Fatal("block not cached")
	}
	if info.PeerID != 1 || info.Origin != OriginP2P || info.Height != 5 {
		t.Fatalf("unexpected entry details %+v", info)
	}
	if h.cache.Count() != 1 || !h.cache.HaveBlock(block.Hash()) {
		t.Fatal("unexpected cache contents")
	}

	// A block whose parent is already stored is picked up without an
	// explicit CheckPrevBlock.
	ready := testBlock(&h.genesis, 1, 0)
	h.addBlocks(t, 1, ready)
	n, err := h.cache.RevalidateBlocks(false)
	if err != nil || n != 1 {
		t.Fatalf("unexpected pass result: %d, %v", n, err)
	}
	if h.cache.HaveBlock(ready.Hash()) {
		t.Fatal("connected block still cached")
	}
}

// TestRevalidateCascade ensures connecting a parent connects all of its cached
// descendants in a single pass.
func TestRevalidateCascade(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{})
	var connected []chainhash.Hash
	h.cache.cfg.OnConnect = func(block *dcrutil.Block, peerID int32, forkLen int64) {
		connected = append(connected, *block.Hash())
	}

	blocks := chainOf(&h.genesis, 1, 0, 4)
	h.addBlocks(t, 1, blocks[3], blocks[1], blocks[2])

	// Nothing can be connected until the first block is.
	if n, err := h.cache.RevalidateBlocks(true); n != 0 || err != nil {
		t.Fatalf("unexpected pass result: %d, %v", n, err)
	}

	if _, err := h.chain.ConnectBlock(blocks[0]); err != nil {
		t.Fatalf("failed to connect block: %v", err)
	}
	if !h.cache.CheckPrevBlock(blocks[0].Hash()) {
		t.Fatal("cached child not found")
	}
	n, err := h.cache.RevalidateBlocks(false)
	if err != nil || n != 3 {
		t.Fatalf("unexpected pass result: %d, %v", n, err)
	}
	if h.cache.Count() != 0 {
		t.Fatalf("unexpected cache size %d", h.cache.Count())
	}
	want := hashesOf(blocks[1:]...)
	if !reflect.DeepEqual(connected, want) {
		t.Fatalf("unexpected connect order: got %v, want %v", connected, want)
	}
	if got := h.chain.connected(); !reflect.DeepEqual(got, hashesOf(blocks...)) {
		t.Fatalf("unexpected chain contents: %v", got)
	}
}

// TestRevalidateIdempotent ensures a pass without a newly resolved dependency
// does nothing unless forced.
func TestRevalidateIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{})
	block := testBlock(&h.genesis, 1, 0)
	if _, err := h.chain.ConnectBlock(testBlock(&h.genesis, 1, 9)); err != nil {
		t.Fatal(err)
	}
	h.addBlocks(t, 1, testBlock(&chainhash.Hash{0xbb}, 3, 0))

	for i := 0; i < 3; i++ {
		n, err := h.cache.RevalidateBlocks(false)
		if err != nil || n != 0 {
			t.Fatalf("unexpected pass result: %d, %v", n, err)
		}
	}
	if h.cache.CheckPrevBlock(&h.genesis) {
		t.Fatal("unexpected cached child of genesis")
	}

	// Forced passes attempt every block whose parent is stored.
	h.cache.mtx.Lock()
	h.cache.entries[*block.Hash()] = &cachedBlock{
		hash:    *block.Hash(),
		parent:  h.genesis,
		block:   block,
		arrival: h.clock.Now(),
		height:  1,
	}
	h.cache.children[h.genesis] = []chainhash.Hash{*block.Hash()}
	h.cache.mtx.Unlock()
	if n, err := h.cache.RevalidateBlocks(false); n != 0 || err != nil {
		t.Fatalf("unexpected unforced pass result: %d, %v", n, err)
	}
	if n, err := h.cache.RevalidateBlocks(true); n != 1 || err != nil {
		t.Fatalf("unexpected forced pass result: %d, %v", n, err)
	}
}

// TestRevalidateSinglePass ensures concurrent callers skip while a pass is in
// progress.
func TestRevalidateSinglePass(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{})
	h.addBlocks(t, 1, testBlock(&h.genesis, 1, 0))

	h.cache.processing.Store(true)
	if n, err := h.cache.RevalidateBlocks(true); n != 0 || err != nil {
		t.Fatalf("unexpected pass result while processing: %d, %v", n, err)
	}
	h.cache.processing.Store(false)
	if n, err := h.cache.RevalidateBlocks(true); n != 1 || err != nil {
		t.Fatalf("unexpected pass result: %d, %v", n, err)
	}
}

// TestRevalidateConsensusFailure ensures a block that fails validation is
// dropped along with its cached descendants while unrelated blocks remain.
func TestRevalidateConsensusFailure(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{})
	blocks := chainOf(&h.genesis, 1, 0, 4)
	unrelated := testBlock(&chainhash.Hash{0xcc}, 7, 0)
	h.addBlocks(t, 2, blocks[1], blocks[2], blocks[3], unrelated)

	badMerkle := chainstore.RuleError{Err: chainstore.ErrBadMerkleRoot}
	h.chain.failWith(*blocks[1].Hash(), badMerkle)
	if _, err := h.chain.ConnectBlock(blocks[0]); err != nil {
		t.Fatal(err)
	}
	h.cache.CheckPrevBlock(blocks[0].Hash())
	n, err := h.cache.RevalidateBlocks(false)
	if err != nil || n != 0 {
		t.Fatalf("unexpected pass result: %d, %v", n, err)
	}

	if h.cache.Count() != 1 || !h.cache.HaveBlock(unrelated.Hash()) {
		t.Fatalf("unexpected cache contents: %d blocks", h.cache.Count())
	}
	tests := []struct {
		hash *chainhash.Hash
		want error
	}{
		{blocks[1].Hash(), chainstore.ErrBadMerkleRoot},
		{blocks[2].Hash(), ErrAncestorRejected},
		{blocks[3].Hash(), ErrAncestorRejected},
	}
	for _, test := range tests {
		err := h.rejects.errs[*test.hash]
		if !errors.Is(err, test.want) {
			t.Errorf("unexpected reject reason for %v: got %v, want %v",
				test.hash, err, test.want)
		}
	}
	if len(h.rejects.errs) != len(tests) {
		t.Fatalf("unexpected number of rejections %d", len(h.rejects.errs))
	}

	// All edges of the dropped blocks are gone.
	h.cache.mtx.Lock()
	numEdges := len(h.cache.children)
	h.cache.mtx.Unlock()
	if numEdges != 1 {
		t.Fatalf("unexpected number of edges %d", numEdges)
	}
}

// TestRevalidateTransient ensures blocks that fail with a missing dependency
// are retried and dropped once their attempts are exhausted.
func TestRevalidateTransient(t *testing.T) {
	t.Parallel()

	missing := chainstore.RuleError{Err: chainstore.ErrMissingTxOut}

	t.Run("retried", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(Config{MaxAttempts: 3})
		block := testBlock(&h.genesis, 1, 0)
		h.chain.failWith(*block.Hash(), missing, missing)
		h.addBlocks(t, 1, block)

		for i := 1; i <= 2; i++ {
			n, err := h.cache.RevalidateBlocks(true)
			if err != nil || n != 0 {
				t.Fatalf("pass %d: unexpected result: %d, %v", i, n, err)
			}
			info, ok := h.cache.Lookup(block.Hash())
			if !ok || info.Attempts != i {
				t.Fatalf("pass %d: unexpected entry %+v (cached %v)", i,
					info, ok)
			}
		}
		if n, err := h.cache.RevalidateBlocks(true); n != 1 || err != nil {
			t.Fatalf("unexpected final pass result: %d, %v", n, err)
		}
		if len(h.rejects.errs) != 0 {
			t.Fatal("unexpected rejections")
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(Config{MaxAttempts: 2})
		blocks := chainOf(&h.genesis, 1, 0, 2)
		h.chain.failWith(*blocks[0].Hash(), missing, missing, missing)
		h.addBlocks(t, 1, blocks...)

		for i := 0; i < 2; i++ {
			if _, err := h.cache.RevalidateBlocks(true); err != nil {
				t.Fatal(err)
			}
		}
		if h.cache.Count() != 0 {
			t.Fatalf("unexpected cache size %d", h.cache.Count())
		}
		if err := h.rejects.errs[*blocks[0].Hash()]; !errors.Is(err, ErrAttemptsExhausted) {
			t.Fatalf("unexpected reject reason %v", err)
		}
		if err := h.rejects.errs[*blocks[1].Hash()]; !errors.Is(err, ErrAncestorRejected) {
			t.Fatalf("unexpected reject reason %v", err)
		}
	})

	t.Run("wait time", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(Config{WaitPolicy: FixedWaitPolicy(time.Minute)})
		h.cache.waitTime = time.Minute
		block := testBlock(&h.genesis, 1, 0)
		h.chain.failWith(*block.Hash(), missing)
		h.addBlocks(t, 1, block)

		if _, err := h.cache.RevalidateBlocks(true); err != nil {
			t.Fatal(err)
		}
		// Not enough time passed since the failed attempt.
		if n, _ := h.cache.RevalidateBlocks(true); n != 0 {
			t.Fatal("block retried before its wait time elapsed")
		}
		h.clock.SetTime(h.clock.Now().Add(time.Minute))
		if n, _ := h.cache.RevalidateBlocks(true); n != 1 {
			t.Fatal("block not retried after its wait time elapsed")
		}
	})
}

// TestRevalidateFatal ensures storage failures are propagated and leave the
// block cached.
func TestRevalidateFatal(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{})
	block := testBlock(&h.genesis, 1, 0)
	dbErr := fmt.Errorf("%w: write failed", chainstore.ErrDatabase)
	h.chain.failWith(*block.Hash(), dbErr)
	h.addBlocks(t, 1, block)

	_, err := h.cache.RevalidateBlocks(true)
	if !errors.Is(err, chainstore.ErrDatabase) {
		t.Fatalf("unexpected error: got %v, want %v", err,
			chainstore.ErrDatabase)
	}
	if !h.cache.HaveBlock(block.Hash()) {
		t.Fatal("block dropped after fatal error")
	}
	if len(h.rejects.errs) != 0 {
		t.Fatal("fatal error reported as rejection")
	}
}

// TestEviction ensures the cache never exceeds its capacity or holds blocks
// past their maximum age.
func TestEviction(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{MaxBlocks: 3, MaxAge: time.Hour})
	unknown := chainhash.Hash{0xdd}
	blocks := chainOf(&unknown, 10, 0, 5)
	h.addBlocks(t, 1, blocks...)

	if h.cache.Count() != 3 {
		t.Fatalf("unexpected cache size %d", h.cache.Count())
	}
	for i, block := range blocks {
		want := i >= 2
		if got := h.cache.HaveBlock(block.Hash()); got != want {
			t.Fatalf("block %d: unexpected cached status %v", i, got)
		}
	}

	// Blocks expire once they exceed the maximum age.
	h.clock.SetTime(h.clock.Now().Add(time.Hour - time.Second))
	if _, err := h.cache.RevalidateBlocks(true); err != nil {
		t.Fatal(err)
	}
	if h.cache.Count() != 1 {
		t.Fatalf("unexpected cache size after partial expiry %d",
			h.cache.Count())
	}
	h.clock.SetTime(h.clock.Now().Add(time.Hour))
	if _, err := h.cache.RevalidateBlocks(true); err != nil {
		t.Fatal(err)
	}
	if h.cache.Count() != 0 {
		t.Fatalf("unexpected cache size after expiry %d", h.cache.Count())
	}
	h.cache.mtx.Lock()
	numEdges := len(h.cache.children)
	h.cache.mtx.Unlock()
	if numEdges != 0 {
		t.Fatalf("unexpected number of edges %d", numEdges)
	}
}

// TestValidForkDetected ensures connecting a cached side chain block with more
// work than the main chain raises the valid fork signal.
func TestValidForkDetected(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{})
	main := chainOf(&h.genesis, 1, 0, 2)
	for _, block := range main {
		if _, err := h.chain.ConnectBlock(block); err != nil {
			t.Fatal(err)
		}
	}

	side := chainOf(&h.genesis, 1, 1, 3)
	if forkLen, err := h.chain.ConnectBlock(side[0]); err != nil || forkLen != 1 {
		t.Fatalf("unexpected side chain connect: %d, %v", forkLen, err)
	}
	h.addBlocks(t, 3, side[1], side[2])
	info, _ := h.cache.Lookup(side[1].Hash())
	if !info.InFork {
		t.Fatal("side chain block not flagged as forked")
	}

	if n, err := h.cache.RevalidateBlocks(false); n != 2 || err != nil {
		t.Fatalf("unexpected pass result: %d, %v", n, err)
	}
	if !h.cache.IsValidForkDetected() {
		t.Fatal("valid fork not detected")
	}
	tip, ok := h.cache.ValidForkTip()
	if !ok || tip.Hash != *side[2].Hash() || tip.Height != 3 {
		t.Fatalf("unexpected fork tip %v", tip)
	}

	h.cache.ResetValidForkDetected()
	if h.cache.IsValidForkDetected() {
		t.Fatal("valid fork signal not reset")
	}
	if _, ok := h.cache.ValidForkTip(); ok {
		t.Fatal("fork tip reported after reset")
	}

	// Blocks connected outside of the cache raise the signal when reported.
	mainNext := chainOf(main[1].Hash(), 3, 0, 1)[0]
	forkLen, err := h.chain.ConnectBlock(mainNext)
	if err != nil || forkLen != 0 {
		t.Fatalf("unexpected main chain connect: %d, %v", forkLen, err)
	}
	h.cache.CheckFork(mainNext.Hash(), forkLen)
	if h.cache.IsValidForkDetected() {
		t.Fatal("valid fork detected for main chain block")
	}
	sideNext := chainOf(side[2].Hash(), 4, 1, 1)[0]
	forkLen, err = h.chain.ConnectBlock(sideNext)
	if err != nil || forkLen != 4 {
		t.Fatalf("unexpected side chain connect: %d, %v", forkLen, err)
	}
	h.cache.CheckFork(sideNext.Hash(), forkLen)
	tip, ok = h.cache.ValidForkTip()
	if !ok || tip.Hash != *sideNext.Hash() {
		t.Fatalf("unexpected fork tip %v", tip)
	}
}

// TestFindNextBlocks ensures the query helpers report the blocks whose parent
// is stored.
func TestFindNextBlocks(t *testing.T) {
	t.Parallel()

	h := newTestHarness(Config{})
	a := chainOf(&h.genesis, 1, 0, 3)
	if _, err := h.chain.ConnectBlock(a[0]); err != nil {
		t.Fatal(err)
	}
	b := testBlock(&h.genesis, 1, 5)
	waiting := testBlock(&chainhash.Hash{0xee}, 9, 0)
	h.addBlocks(t, 1, waiting, a[2], a[1], b)

	got := h.cache.FindNextBlocks(0)
	want := hashesOf(b, a[1])
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected next blocks: got %v, want %v", got, want)
	}
	got = h.cache.FindNextBlocks(2)
	if !reflect.DeepEqual(got, hashesOf(a[1])) {
		t.Fatalf("unexpected next blocks at height 2: %v", got)
	}

	next, ok := h.cache.FindNextBlock(hashesOf(waiting, a[2], a[1], b))
	if !ok || next != *a[1].Hash() {
		t.Fatalf("unexpected next block %v (found %v)", next, ok)
	}
	if _, ok := h.cache.FindNextBlock(hashesOf(waiting, a[2])); ok {
		t.Fatal("found block whose parent is missing")
	}
}

// TestPIWaitPolicy ensures the default wait policy backs off under high
// occupancy, recovers when the cache drains, and respects its bounds.
func TestPIWaitPolicy(t *testing.T) {
	t.Parallel()

	p := NewPIWaitPolicy()
	wait := DefaultRevalidationWait
	for i := 0; i < 5; i++ {
		next := p.NextWait(wait, 100, 100)
		if next <= wait {
			t.Fatalf("iteration %d: wait did not grow under full cache: "+
				"%v -> %v", i, wait, next)
		}
		wait = next
	}
	for i := 0; i < 1000; i++ {
		wait = p.NextWait(wait, 100, 100)
	}
	if wait != p.MaxWait {
		t.Fatalf("wait not bounded by maximum: %v", wait)
	}

	for i := 0; i < 1000; i++ {
		wait = p.NextWait(wait, 0, 100)
	}
	if wait != p.MinWait {
		t.Fatalf("wait did not recover to minimum: %v", wait)
	}

	// A cache at its target fill keeps the wait once the integral settles.
	q := NewPIWaitPolicy()
	if got := q.NextWait(5*time.Second, 50, 100); got != 5*time.Second {
		t.Fatalf("unexpected wait at target fill: %v", got)
	}
	if got := q.NextWait(5*time.Second, 10, 0); got != 5*time.Second {
		t.Fatalf("unexpected wait for zero capacity: %v", got)
	}
}
