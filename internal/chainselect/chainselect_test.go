// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainselect

import (
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/lightningnetwork/lnd/clock"
)

// blockRef returns a block reference with the provided hash seed, height, and
// work.
func blockRef(seed byte, height int64, work uint64) *chainstore.BlockRef {
	ref := &chainstore.BlockRef{Hash: chainhash.Hash{seed}, Height: height}
	ref.Work.SetUint64(work)
	return ref
}

// TestSelector ensures the selector tracks the peer with the most work and
// reports changes between checkpoints.
func TestSelector(t *testing.T) {
	t.Parallel()

	s := NewSelector()
	if _, _, ok := s.Get(); ok {
		t.Fatal("new selector has a maximum")
	}

	// P1 presents work 100 which becomes the maximum.
	s.Checkpoint()
	if !s.Update(1, blockRef(0x01, 20, 100), 10) {
		t.Fatal("P1 was not adopted")
	}
	if !s.HasChanged() {
		t.Fatal("change not reported after P1")
	}

	// P2 presents less work.
	s.Checkpoint()
	if s.Update(2, blockRef(0x02, 21, 90), 10) {
		t.Fatal("P2 was adopted")
	}
	if s.HasChanged() {
		t.Fatal("change reported after P2")
	}

	// Equal work does not replace the first observed peer.
	if s.Update(4, blockRef(0x04, 21, 100), 10) {
		t.Fatal("tie replaced the first observed peer")
	}

	// Work that does not exceed the active chain height is ignored.
	if s.Update(5, blockRef(0x05, 10, 1000), 10) {
		t.Fatal("block at the active height was adopted")
	}

	// P3 presents more work.
	if !s.Update(3, blockRef(0x03, 22, 150), 10) {
		t.Fatal("P3 was not adopted")
	}
	if !s.HasChanged() {
		t.Fatal("change not reported after P3")
	}
	peerID, best, ok := s.Get()
	if !ok || peerID != 3 || best.Hash != (chainhash.Hash{0x03}) {
		t.Fatalf("unexpected maximum: peer %d, block %v", peerID, best)
	}

	// Forgetting another peer keeps the maximum.
	if s.Forget(1) {
		t.Fatal("forgot maximum of another peer")
	}
	if !s.Forget(3) {
		t.Fatal("did not forget maximum of its peer")
	}
	if _, _, ok := s.Get(); ok {
		t.Fatal("maximum remains after forget")
	}

	s.Update(1, blockRef(0x01, 20, 100), 10)
	s.Reset()
	if _, _, ok := s.Get(); ok {
		t.Fatal("maximum remains after reset")
	}
}

// TestThrottle ensures failed fork switches are throttled within the window and
// purged once it elapses.
func TestThrottle(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	testClock := clock.NewTestClock(start)
	throttle := NewThrottle(&ThrottleConfig{Clock: testClock})
	hash := chainhash.Hash{0xaa}
	other := chainhash.Hash{0xbb}

	// Three failures within 60 seconds.
	for i := 1; i <= MaxFailedForkSwitches; i++ {
		if !throttle.ShouldAttempt(&hash) {
			t.Fatalf("attempt %d refused", i)
		}
		testClock.SetTime(start.Add(time.Duration(i*20) * time.Second))
		if got := throttle.NotifyFailedSwitch(&hash); got != i {
			t.Fatalf("unexpected failure count -- got %d, want %d", got, i)
		}
	}
	if throttle.ShouldAttempt(&hash) {
		t.Fatal("fourth attempt was not refused")
	}
	if !throttle.ShouldAttempt(&other) {
		t.Fatal("unrelated tip was refused")
	}

	// Just inside the window the record still applies.
	lastFailure := start.Add(60 * time.Second)
	testClock.SetTime(lastFailure.Add(ForkSwitchTrackerExpiration))
	if throttle.ShouldAttempt(&hash) {
		t.Fatal("attempt allowed inside the window")
	}

	// Past the window the record expires and a new failure starts over.
	testClock.SetTime(lastFailure.Add(ForkSwitchTrackerExpiration +
		time.Second))
	if !throttle.ShouldAttempt(&hash) {
		t.Fatal("attempt refused after the window")
	}
	if got := throttle.NotifyFailedSwitch(&hash); got != 1 {
		t.Fatalf("unexpected failure count -- got %d, want 1", got)
	}

	throttle.NotifyFailedSwitch(&other)
	throttle.Reset()
	if throttle.Failures(&hash) != 0 || throttle.Failures(&other) != 0 {
		t.Fatal("records remain after reset")
	}
}
