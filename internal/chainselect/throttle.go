// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainselect

import (
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// MaxFailedForkSwitches is the number of failed attempts to switch to
	// the same candidate tip within the expiration window after which
	// further attempts should be refused.
	MaxFailedForkSwitches = 3

	// ForkSwitchTrackerExpiration is the amount of time after the last
	// failure at which a failed switch record is purged.
	ForkSwitchTrackerExpiration = 300 * time.Second
)

// forkSwitchRecord tracks the failed attempts to switch to a candidate tip.
type forkSwitchRecord struct {
	failures    int
	lastFailure time.Time
}

// ThrottleConfig houses the configuration of a fork switch throttle.
type ThrottleConfig struct {
	// MaxFailures is the number of failures after which attempts are
	// refused.  MaxFailedForkSwitches is used when it is zero.
	MaxFailures int

	// Expiration is the amount of time after which a record without new
	// failures is purged.  ForkSwitchTrackerExpiration is used when it is
	// zero.
	Expiration time.Duration

	// Clock is the time source.  The system clock is used when it is nil.
	Clock clock.Clock
}

// Throttle remembers recent failed attempts to switch the active chain to
// candidate tips.  It is safe for concurrent access.
type Throttle struct {
	cfg ThrottleConfig

	mtx     sync.Mutex
	records map[chainhash.Hash]*forkSwitchRecord
}

// NewThrottle returns a new throttle with no records.
func NewThrottle(cfg *ThrottleConfig) *Throttle {
	c := *cfg
	if c.MaxFailures <= 0 {
		c.MaxFailures = MaxFailedForkSwitches
	}
	if c.Expiration <= 0 {
		c.Expiration = ForkSwitchTrackerExpiration
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	return &Throttle{
		cfg:     c,
		records: make(map[chainhash.Hash]*forkSwitchRecord),
	}
}

// purgeExpired removes every record whose last failure is older than the
// expiration window.
//
// This function MUST be called with the throttle lock held (for writes).
func (t *Throttle) purgeExpired(now time.Time) {
	for hash, record := range t.records {
		if now.Sub(record.lastFailure) > t.cfg.Expiration {
			delete(t.records, hash)
		}
	}
}

// NotifyFailedSwitch records a failed attempt to switch to the provided
// candidate tip after purging expired records.  It returns the number of
// failures recorded for the candidate within the window.
func (t *Throttle) NotifyFailedSwitch(hash *chainhash.Hash) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	now := t.cfg.Clock.Now()
	t.purgeExpired(now)

	record, ok := t.records[*hash]
	if !ok {
		record = &forkSwitchRecord{}
		t.records[*hash] = record
	}
	record.failures++
	record.lastFailure = now

	log.Debugf("Failed to switch to fork tip %v (%d %s)", hash,
		record.failures, pickNoun(record.failures, "failure", "failures"))
	return record.failures
}

// Failures returns the number of unexpired failures recorded for the provided
// candidate tip.
func (t *Throttle) Failures(hash *chainhash.Hash) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	record, ok := t.records[*hash]
	if !ok {
		return 0
	}
	if t.cfg.Clock.Now().Sub(record.lastFailure) > t.cfg.Expiration {
		return 0
	}
	return record.failures
}

// ShouldAttempt returns whether a switch to the provided candidate tip should
// be attempted.  It returns false while the number of unexpired failures for
// the candidate has reached the maximum.
func (t *Throttle) ShouldAttempt(hash *chainhash.Hash) bool {
	return t.Failures(hash) < t.cfg.MaxFailures
}

// Reset clears all records.
func (t *Throttle) Reset() {
	t.mtx.Lock()
	t.records = make(map[chainhash.Hash]*forkSwitchRecord)
	t.mtx.Unlock()
}

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
