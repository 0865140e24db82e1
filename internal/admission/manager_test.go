// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrsyncd/internal/blockcache"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/decred/dcrsyncd/internal/metrics"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
	"github.com/decred/dcrsyncd/internal/txpool"
	"github.com/lightningnetwork/lnd/clock"
)

// coinbaseValue is the value of every output of the test coinbases.
const coinbaseValue = 5000

// testStart is the initial time of the test clocks.
var testStart = time.Unix(1700000000, 0)

// blockRequest is a block request recorded by the test notifier.
type blockRequest struct {
	peerID int32
	hash   chainhash.Hash
}

// testNotifier records the notifications of the manager.
type testNotifier struct {
	mtx          sync.Mutex
	requests     []blockRequest
	scores       map[int32]uint32
	banned       map[int32]bool
	disconnected []int32
}

func newTestNotifier() *testNotifier {
	return &testNotifier{
		scores: make(map[int32]uint32),
		banned: make(map[int32]bool),
	}
}

func (n *testNotifier) RequestBlock(peerID int32, hash *chainhash.Hash) {
	n.mtx.Lock()
	n.requests = append(n.requests, blockRequest{peerID, *hash})
	n.mtx.Unlock()
}

func (n *testNotifier) Misbehaving(peerID int32, score uint32, reason string) {
	n.mtx.Lock()
	n.scores[peerID] = score
	n.mtx.Unlock()
}

func (n *testNotifier) Ban(peerID int32, reason string) {
	n.mtx.Lock()
	n.banned[peerID] = true
	n.mtx.Unlock()
}

func (n *testNotifier) Disconnect(peerID int32, reason string) {
	n.mtx.Lock()
	n.disconnected = append(n.disconnected, peerID)
	n.mtx.Unlock()
}

// lastRequest returns the most recent block request.
func (n *testNotifier) lastRequest() (blockRequest, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if len(n.requests) == 0 {
		return blockRequest{}, false
	}
	return n.requests[len(n.requests)-1], true
}

// testHarness houses a manager backed by an in-memory chain store and a
// transaction pool along with the test notifier and clock.
type testHarness struct {
	m        *Manager
	store    *chainstore.Store
	pool     *txpool.Pool
	notifier *testNotifier
	clock    *clock.TestClock
	genesis  chainhash.Hash
}

// newTestHarness returns a harness for the regression test network.  The
// provided function may modify the manager config before it is created.
func newTestHarness(t *testing.T, modify func(cfg *Config)) *testHarness {
	t.Helper()

	params := chaincfg.RegNetParams()
	queue := scriptcheck.New(0)
	store, err := chainstore.Open(context.Background(), &chainstore.Config{
		Params:      params,
		ScriptQueue: queue,
	})
	if err != nil {
		t.Fatalf("failed to open chain store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewTestClock(testStart)
	pool := txpool.New(&txpool.Config{
		Chain:       store,
		ScriptQueue: queue,
		Clock:       clk,
	})
	notifier := newTestNotifier()
	cfg := &Config{
		PeerNotifier: notifier,
		Chain:        store,
		TxPool:       pool,
		Clock:        clk,
		WaitPolicy:   blockcache.FixedWaitPolicy(0),
	}
	if modify != nil {
		modify(cfg)
	}
	return &testHarness{
		m:        New(cfg),
		store:    store,
		pool:     pool,
		notifier: notifier,
		clock:    clk,
		genesis:  params.GenesisHash,
	}
}

// testCoinbase returns a coinbase that pays to an OP_TRUE output followed by an
// OP_FALSE output.  The tag makes coinbases of competing blocks unique.
func testCoinbase(height uint32, tag byte) *wire.MsgTx {
	tx := wire.NewMsgTx()
	prevOut := wire.NewOutPoint(&chainhash.Hash{}, math.MaxUint32,
		wire.TxTreeRegular)
	sigScript := []byte{byte(height), byte(height >> 8), tag}
	tx.AddTxIn(wire.NewTxIn(prevOut, 0, sigScript))
	tx.AddTxOut(wire.NewTxOut(coinbaseValue, []byte{txscript.OP_TRUE}))
	tx.AddTxOut(wire.NewTxOut(coinbaseValue, []byte{txscript.OP_FALSE}))
	return tx
}

// testSpend returns a transaction that spends the provided outpoints to a
// single OP_TRUE output of the provided value.
func testSpend(value int64, outpoints ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx()
	for i := range outpoints {
		tx.AddTxIn(wire.NewTxIn(&outpoints[i], coinbaseValue, nil))
	}
	tx.AddTxOut(wire.NewTxOut(value, []byte{txscript.OP_TRUE}))
	return tx
}

// testBlock returns a block that extends the provided parent at the provided
// height with a coinbase and the provided transactions.
func testBlock(parent *chainhash.Hash, height uint32, tag byte, txns ...*wire.MsgTx) *dcrutil.Block {
	params := chaincfg.RegNetParams()
	all := append([]*wire.MsgTx{testCoinbase(height, tag)}, txns...)
	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  *parent,
			MerkleRoot: standalone.CalcTxTreeMerkleRoot(all),
			Bits:       params.PowLimitBits,
			Height:     height,
			Timestamp:  time.Unix(int64(1700000000+height), 0),
		},
		Transactions: all,
	}
	solveBlock(&msgBlock.Header)
	return dcrutil.NewBlock(msgBlock)
}

// solveBlock updates the nonce of the header until it meets its proof of work
// target.
func solveBlock(header *wire.BlockHeader) {
	powLimit := chaincfg.RegNetParams().PowLimit
	for header.Nonce = 0; ; header.Nonce++ {
		if chainstore.CheckProofOfWork(header, powLimit) == nil {
			return
		}
	}
}

// outOf returns the outpoint of the output with the provided index of the
// transaction.
func outOf(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index,
		Tree: wire.TxTreeRegular}
}

// coinbaseOf returns the coinbase of the block.
func coinbaseOf(block *dcrutil.Block) *wire.MsgTx {
	return block.MsgBlock().Transactions[0]
}

// blockBytes returns the serialized block.
func blockBytes(t *testing.T, block *dcrutil.Block) []byte {
	t.Helper()

	b, err := block.Bytes()
	if err != nil {
		t.Fatalf("failed to serialize block: %v", err)
	}
	return b
}

// txBytes returns the serialized transaction.
func txBytes(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()

	b, err := tx.Bytes()
	if err != nil {
		t.Fatalf("failed to serialize transaction: %v", err)
	}
	return b
}

// mustProcess processes the block from the provided peer and fails the test on
// error.
func (h *testHarness) mustProcess(t *testing.T, peerID int32, block *dcrutil.Block) {
	t.Helper()

	if err := h.m.processBlock(block, peerID); err != nil {
		t.Fatalf("failed to process block %v: %v", block.Hash(), err)
	}
}

// assertTip ensures the tip of the main chain is the provided block.
func (h *testHarness) assertTip(t *testing.T, block *dcrutil.Block) {
	t.Helper()

	best := h.store.BestSnapshot()
	if best.Hash != *block.Hash() {
		t.Fatalf("unexpected tip: got %v (height %d), want %v", best.Hash,
			best.Height, block.Hash())
	}
}

// connectPeers informs the manager of the peers with the provided ids.
func (h *testHarness) connectPeers(ids ...int32) {
	for _, id := range ids {
		h.m.handlePeerConnectedMsg(&peerConnectedMsg{peerID: id,
			addr: fmt.Sprintf("127.0.0.1:%d", 19000+id)})
	}
}

// TestBlocksOutOfOrder ensures blocks that arrive before their parent are
// cached, their parent is requested, and they are connected once the parent
// arrives.
func TestBlocksOutOfOrder(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, func(cfg *Config) {
		cfg.Metrics = metrics.New()
	})
	h.connectPeers(1)

	b1 := testBlock(&h.genesis, 1, 0)
	b2 := testBlock(b1.Hash(), 2, 0)
	b3 := testBlock(b2.Hash(), 3, 0)

	h.mustProcess(t, 1, b3)
	h.mustProcess(t, 1, b2)
	if !h.m.cache.HaveBlock(b2.Hash()) || !h.m.cache.HaveBlock(b3.Hash()) {
		t.Fatal("blocks without parent were not cached")
	}
	want := []blockRequest{{1, *b2.Hash()}, {1, *b1.Hash()}}
	if len(h.notifier.requests) != len(want) {
		t.Fatalf("unexpected requests: %v", spew.Sdump(h.notifier.requests))
	}
	for i := range want {
		if h.notifier.requests[i] != want[i] {
			t.Fatalf("unexpected request #%d: got %v, want %v", i,
				h.notifier.requests[i], want[i])
		}
	}

	// Processing the same block again is not an error.
	h.mustProcess(t, 1, b3)

	h.mustProcess(t, 1, b1)
	h.assertTip(t, b3)
	if h.m.cache.Count() != 0 {
		t.Fatalf("unexpected number of cached blocks %d", h.m.cache.Count())
	}
	if h.m.peers.NumInFlight() != 0 {
		t.Fatalf("unexpected blocks in flight %d", h.m.peers.NumInFlight())
	}
	peer, _ := h.m.peers.Get(1)
	if best, ok := peer.BestKnown(); !ok || best.Hash != *b3.Hash() {
		t.Fatalf("unexpected best known block of peer: %v", best)
	}
}

// TestInvalidBlocks ensures malformed and invalid blocks are rejected, the
// sending peers are penalized, and invalid blocks are remembered.
func TestInvalidBlocks(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	h.connectPeers(1, 2)

	err := h.m.handleBlockMsg(&blockMsg{peerID: 1, data: []byte{0x01, 0x02}})
	if !errors.Is(err, ErrMalformedBlock) {
		t.Fatalf("unexpected error for malformed block: %v", err)
	}
	if h.notifier.scores[1] != misbehaviorMalformed || !h.notifier.banned[1] {
		t.Fatalf("peer sending malformed block not banned (score %d)",
			h.notifier.scores[1])
	}

	bad := testBlock(&h.genesis, 1, 0)
	bad.MsgBlock().Header.MerkleRoot = chainhash.Hash{0x01}
	solveBlock(&bad.MsgBlock().Header)
	bad = dcrutil.NewBlock(bad.MsgBlock())
	err = h.m.handleBlockMsg(&blockMsg{peerID: 2, data: blockBytes(t, bad)})
	if !errors.Is(err, chainstore.ErrBadMerkleRoot) {
		t.Fatalf("unexpected error for invalid block: %v", err)
	}
	if !h.notifier.banned[2] {
		t.Fatal("peer sending invalid block not banned")
	}

	tests := []struct {
		name  string
		block *dcrutil.Block
		want  error
	}{{
		name:  "known invalid block",
		block: bad,
		want:  ErrKnownInvalidBlock,
	}, {
		name:  "child of invalid block",
		block: testBlock(bad.Hash(), 2, 0),
		want:  ErrInvalidAncestorBlock,
	}}
	for _, test := range tests {
		err := h.m.processBlock(test.block, LocalPeerID)
		if !errors.Is(err, test.want) {
			t.Errorf("%q: unexpected error: got %v, want %v", test.name, err,
				test.want)
		}
	}
	if h.m.cache.Count() != 0 {
		t.Fatalf("invalid blocks were cached")
	}
}

// TestForkSwitch ensures the main chain is switched to a valid fork with more
// work and the transactions of the detached blocks are returned to the pool.
func TestForkSwitch(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	h.connectPeers(1)

	a1 := testBlock(&h.genesis, 1, 0)
	spend := testSpend(4000, outOf(coinbaseOf(a1), 0))
	a2 := testBlock(a1.Hash(), 2, 0, spend)
	b2 := testBlock(a1.Hash(), 2, 1)
	b3 := testBlock(b2.Hash(), 3, 1)

	h.mustProcess(t, 1, a1)
	h.mustProcess(t, 1, a2)
	h.mustProcess(t, 1, b2)
	h.assertTip(t, a2)

	h.mustProcess(t, 1, b3)
	h.assertTip(t, b3)
	if !h.pool.HaveTransaction(spend.CachedTxHash()) {
		t.Fatal("transaction of detached block not returned to the pool")
	}
}

// TestForkSwitchFailure ensures a failed switch to an invalid fork restores the
// main chain, is recorded by the throttle, and the fork is remembered as
// invalid.
func TestForkSwitchFailure(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	h.connectPeers(1)

	a1 := testBlock(&h.genesis, 1, 0)
	a2 := testBlock(a1.Hash(), 2, 0)
	b2 := testBlock(a1.Hash(), 2, 1, testSpend(100, outOf(coinbaseOf(a1), 1)))
	b3 := testBlock(b2.Hash(), 3, 1)
	for _, block := range []*dcrutil.Block{a1, a2, b2, b3} {
		h.mustProcess(t, 1, block)
	}
	h.assertTip(t, a2)
	if failures := h.m.throttle.Failures(b3.Hash()); failures != 1 {
		t.Fatalf("unexpected number of failed switches %d", failures)
	}

	b4 := testBlock(b3.Hash(), 4, 1)
	err := h.m.processBlock(b4, 1)
	if !errors.Is(err, ErrInvalidAncestorBlock) {
		t.Fatalf("unexpected error for descendant of invalid fork: %v", err)
	}
}

// TestForkSwitchThrottled ensures no switch is attempted to a fork tip that
// failed too often recently and that it is attempted again once the failures
// expire.
func TestForkSwitchThrottled(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	a1 := testBlock(&h.genesis, 1, 0)
	a2 := testBlock(a1.Hash(), 2, 0)
	b2 := testBlock(a1.Hash(), 2, 1)
	b3 := testBlock(b2.Hash(), 3, 1)
	for i := 0; i < 3; i++ {
		h.m.throttle.NotifyFailedSwitch(b3.Hash())
	}

	for _, block := range []*dcrutil.Block{a1, a2, b2, b3} {
		h.mustProcess(t, LocalPeerID, block)
	}
	h.assertTip(t, a2)

	// The fork is adopted once the failures expire.
	h.clock.SetTime(testStart.Add(time.Minute * 6))
	ref, ok := h.store.BlockRef(b3.Hash())
	if !ok {
		t.Fatal("side chain block not stored")
	}
	h.m.switchChain(&ref)
	h.assertTip(t, b3)
}

// TestTransactions ensures transactions are accepted, kept as orphans until
// their parents arrive, and rejected when invalid.
func TestTransactions(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	h.connectPeers(1, 2)
	a1 := testBlock(&h.genesis, 1, 0)
	h.mustProcess(t, 1, a1)

	parent := testSpend(4000, outOf(coinbaseOf(a1), 0))
	child := testSpend(3000, outOf(parent, 0))
	if err := h.m.handleTxMsg(&txMsg{peerID: 1, data: txBytes(t, child)}); err != nil {
		t.Fatalf("failed to process orphan: %v", err)
	}
	if !h.m.orphans.HaveOrphan(child.CachedTxHash()) || h.pool.Count() != 0 {
		t.Fatal("transaction with missing parent not kept as orphan")
	}

	if err := h.m.handleTxMsg(&txMsg{peerID: 1, data: txBytes(t, parent)}); err != nil {
		t.Fatalf("failed to process parent: %v", err)
	}
	if h.m.orphans.Count() != 0 || h.pool.Count() != 2 {
		t.Fatalf("unexpected pool sizes after parent (orphans %d, pool %d)",
			h.m.orphans.Count(), h.pool.Count())
	}

	// Mining the parent removes it from the pool while the child stays.
	a2 := testBlock(a1.Hash(), 2, 0, parent)
	h.mustProcess(t, 1, a2)
	if h.pool.Count() != 1 || !h.pool.HaveTransaction(child.CachedTxHash()) {
		t.Fatal("unexpected pool contents after confirmation")
	}

	// Invalid transactions are rejected, penalized, and ignored afterwards.
	invalid := testSpend(100, outOf(coinbaseOf(a1), 1))
	err := h.m.handleTxMsg(&txMsg{peerID: 2, data: txBytes(t, invalid)})
	if !errors.Is(err, scriptcheck.ErrScriptValidation) {
		t.Fatalf("unexpected error for invalid transaction: %v", err)
	}
	if h.notifier.scores[2] != misbehaviorInvalidTx || h.notifier.banned[2] {
		t.Fatalf("unexpected misbehavior score %d", h.notifier.scores[2])
	}
	err = h.m.handleTxMsg(&txMsg{peerID: 2, data: txBytes(t, invalid)})
	if err != nil {
		t.Fatalf("unexpected error for rejected transaction: %v", err)
	}

	err = h.m.handleTxMsg(&txMsg{peerID: 2, data: []byte{0xff}})
	if !errors.Is(err, ErrMalformedTx) {
		t.Fatalf("unexpected error for malformed transaction: %v", err)
	}

	// Orphans are removed when the peer they came from disconnects.
	orphan := testSpend(10, wire.OutPoint{Hash: chainhash.Hash{0xaa}})
	if err := h.m.processTx(dcrutil.NewTx(orphan), 2); err != nil {
		t.Fatalf("failed to process orphan: %v", err)
	}
	h.m.handlePeerDisconnected(2)
	if h.m.orphans.Count() != 0 {
		t.Fatal("orphans of disconnected peer not removed")
	}
}

// TestOrphanMinedWithParent ensures an orphan that is mined in the same block
// as its parent leaves the orphan pool while the orphans that spend it are
// accepted into the transaction pool.
func TestOrphanMinedWithParent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	h.connectPeers(1)
	a1 := testBlock(&h.genesis, 1, 0)
	h.mustProcess(t, 1, a1)

	// B is unknown to the node.  A spends B and C spends A.
	txB := testSpend(4000, outOf(coinbaseOf(a1), 0))
	txA := testSpend(3000, outOf(txB, 0))
	txC := testSpend(2000, outOf(txA, 0))
	for _, tx := range []*wire.MsgTx{txA, txC} {
		if err := h.m.handleTxMsg(&txMsg{peerID: 1, data: txBytes(t, tx)}); err != nil {
			t.Fatalf("failed to process orphan %v: %v", tx.TxHash(), err)
		}
	}
	if h.m.orphans.Count() != 2 || h.pool.Count() != 0 {
		t.Fatalf("unexpected pool sizes before block (orphans %d, pool %d)",
			h.m.orphans.Count(), h.pool.Count())
	}

	a2 := testBlock(a1.Hash(), 2, 0, txB, txA)
	h.mustProcess(t, 1, a2)
	if h.m.orphans.Count() != 0 {
		t.Fatalf("unexpected orphan count %d", h.m.orphans.Count())
	}
	if h.pool.Count() != 1 || !h.pool.HaveTransaction(txC.CachedTxHash()) {
		t.Fatalf("orphan spending the mined orphan not accepted (pool %d)",
			h.pool.Count())
	}
	if h.m.orphans.IsRecentlyRejected(txA.CachedTxHash()) {
		t.Fatal("mined orphan recorded as recently rejected")
	}
}

// TestReleasedRequests ensures the blocks in flight from peers that disconnect
// or stall are requested from other peers.
func TestReleasedRequests(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	h.connectPeers(1, 2)

	announced := chainstore.BlockRef{Hash: chainhash.Hash{0x01}, Height: 5}
	h.m.handleBlockAnnouncedMsg(&blockAnnouncedMsg{peerID: 1, ref: announced})
	if req, ok := h.notifier.lastRequest(); !ok || req.peerID != 1 {
		t.Fatalf("announced block not requested from announcing peer: %v",
			req)
	}
	if peerID, _, ok := h.m.selector.Get(); !ok || peerID != 1 {
		t.Fatal("announcing peer not selected as best chain")
	}

	h.m.handlePeerDisconnected(1)
	if req, ok := h.notifier.lastRequest(); !ok || req.peerID != 2 ||
		req.hash != announced.Hash {

		t.Fatalf("released block not requested from other peer: %v", req)
	}
	if _, _, ok := h.m.selector.Get(); ok {
		t.Fatal("disconnected peer still selected")
	}

	// Peer 2 stalls once the request times out and the block is requested
	// from the next peer.
	h.connectPeers(3)
	h.clock.SetTime(testStart.Add(time.Minute))
	h.m.handleStallCheck()
	if len(h.notifier.disconnected) != 1 || h.notifier.disconnected[0] != 2 {
		t.Fatalf("unexpected disconnected peers %v", h.notifier.disconnected)
	}
	if req, ok := h.notifier.lastRequest(); !ok || req.peerID != 3 ||
		req.hash != announced.Hash {

		t.Fatalf("stalled block not requested from other peer: %v", req)
	}
}

// failingChain wraps a chain store and fails every block connection with the
// provided error.
type failingChain struct {
	*chainstore.Store
	err error
}

func (c *failingChain) ConnectBlock(*dcrutil.Block) (int64, error) {
	return 0, c.err
}

// TestConnectFailures ensures transient failures cache the block and storage
// failures are reported as fatal exactly once.
func TestConnectFailures(t *testing.T) {
	t.Parallel()

	var mtx sync.Mutex
	var fatalErrs []error
	chain := &failingChain{err: chainstore.ErrMissingTxOut}
	h := newTestHarness(t, func(cfg *Config) {
		chain.Store = cfg.Chain.(*chainstore.Store)
		cfg.Chain = chain
		cfg.OnFatal = func(err error) {
			mtx.Lock()
			fatalErrs = append(fatalErrs, err)
			mtx.Unlock()
		}
	})

	b1 := testBlock(&h.genesis, 1, 0)
	h.mustProcess(t, LocalPeerID, b1)
	if !h.m.cache.HaveBlock(b1.Hash()) {
		t.Fatal("block with missing inputs not cached")
	}

	chain.err = fmt.Errorf("%w: disk failure", chainstore.ErrDatabase)
	for tag := byte(1); tag < 3; tag++ {
		err := h.m.processBlock(testBlock(&h.genesis, 1, tag), LocalPeerID)
		if !errors.Is(err, chainstore.ErrDatabase) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(fatalErrs) != 1 {
		t.Fatalf("unexpected number of fatal errors %d", len(fatalErrs))
	}
}

// TestAttemptsExhausted ensures a peer whose cached block can never be
// connected is charged once the block is given up on, without the block being
// remembered as invalid.
func TestAttemptsExhausted(t *testing.T) {
	t.Parallel()

	chain := &failingChain{err: chainstore.ErrMissingTxOut}
	h := newTestHarness(t, func(cfg *Config) {
		chain.Store = cfg.Chain.(*chainstore.Store)
		cfg.Chain = chain
		cfg.MaxRevalidationAttempts = 2
	})
	h.connectPeers(1)

	b1 := testBlock(&h.genesis, 1, 0)
	h.mustProcess(t, 1, b1)
	if !h.m.cache.HaveBlock(b1.Hash()) {
		t.Fatal("block with missing inputs not cached")
	}
	for i := 0; i < 2; i++ {
		if err := h.m.revalidate(true); err != nil {
			t.Fatalf("unexpected revalidation error: %v", err)
		}
	}
	if h.m.cache.HaveBlock(b1.Hash()) {
		t.Fatal("block kept after exhausting its attempts")
	}
	if h.notifier.scores[1] != misbehaviorUnconnectable || h.notifier.banned[1] {
		t.Fatalf("unexpected misbehavior score %d", h.notifier.scores[1])
	}
	if h.m.knownInvalid.Contains(*b1.Hash()) {
		t.Fatal("unconnectable block remembered as invalid")
	}
}

// TestSelectorCheckpoint ensures the best chain selection is checkpointed
// after every block even when no fork with more work exists.
func TestSelectorCheckpoint(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	h.connectPeers(1)

	announced := chainstore.BlockRef{Hash: chainhash.Hash{0x01}, Height: 5}
	announced.Work.SetUint64(1 << 40)
	h.m.handleBlockAnnouncedMsg(&blockAnnouncedMsg{peerID: 1, ref: announced})
	if !h.m.selector.HasChanged() {
		t.Fatal("announced chain not selected")
	}

	a1 := testBlock(&h.genesis, 1, 0)
	h.mustProcess(t, 1, a1)
	h.assertTip(t, a1)
	if h.m.selector.HasChanged() {
		t.Fatal("selection not checkpointed after connecting a block")
	}
}

// TestRun ensures the events are processed once the manager runs and are
// refused once it stops.
func TestRun(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.m.Run(ctx)
		close(done)
	}()

	h.m.OnPeerConnected(1, "127.0.0.1:19001")
	b1 := testBlock(&h.genesis, 1, 0)
	if err := h.m.OnBlockReceived(1, blockBytes(t, b1)); err != nil {
		t.Fatalf("failed to process block: %v", err)
	}
	h.assertTip(t, b1)

	b3 := testBlock(testBlock(b1.Hash(), 2, 0).Hash(), 3, 0)
	if err := h.m.OnBlockReceived(1, blockBytes(t, b3)); err != nil {
		t.Fatalf("failed to process block: %v", err)
	}
	if err := h.m.RevalidateBlocks(true); err != nil {
		t.Fatalf("failed to revalidate: %v", err)
	}
	h.m.CheckStalls()

	cancel()
	<-done
	if err := h.m.OnBlockReceived(1, blockBytes(t, b1)); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("unexpected error after shutdown: %v", err)
	}
}
