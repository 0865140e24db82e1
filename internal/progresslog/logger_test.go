// Copyright (c) 2021-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progresslog

import (
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	backendLog = slog.NewBackend(io.Discard)
	testLog    = backendLog.Logger("TEST")
)

// txWithInputs returns a transaction with the provided number of inputs.
func txWithInputs(n int) *wire.MsgTx {
	tx := wire.NewMsgTx()
	for i := 0; i < n; i++ {
		tx.AddTxIn(&wire.TxIn{})
	}
	return tx
}

// TestLogProgress ensures the logging functionality works as expected via a
// test logger.
func TestLogProgress(t *testing.T) {
	t.Parallel()

	testBlocks := []wire.MsgBlock{{
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100000,
			Timestamp: time.Unix(1293623863, 0), // 2010-12-29 11:57:43 +0000 UTC
		},
		Transactions: []*wire.MsgTx{txWithInputs(1), txWithInputs(2),
			txWithInputs(3), txWithInputs(1)},
	}, {
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100001,
			Timestamp: time.Unix(1293624163, 0), // 2010-12-29 12:02:43 +0000 UTC
		},
		Transactions: []*wire.MsgTx{txWithInputs(1), txWithInputs(4)},
	}, {
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100002,
			Timestamp: time.Unix(1293624463, 0), // 2010-12-29 12:07:43 +0000 UTC
		},
		Transactions: []*wire.MsgTx{txWithInputs(1), txWithInputs(1),
			txWithInputs(1)},
	}}

	start := time.Unix(1700000000, 0)
	tests := []struct {
		name               string
		reset              bool
		inputBlock         *wire.MsgBlock
		forked             bool
		forceLog           bool
		advance            time.Duration
		wantReceivedBlocks uint64
		wantReceivedTxns   uint64
		wantReceivedInputs uint64
		wantReceivedForked uint64
	}{{
		name:               "round 1, block 0, last log < 10 secs ago, not forced",
		inputBlock:         &testBlocks[0],
		wantReceivedBlocks: 1,
		wantReceivedTxns:   4,
		wantReceivedInputs: 7,
	}, {
		name:               "round 1, block 1, side chain, not forced",
		inputBlock:         &testBlocks[1],
		forked:             true,
		advance:            time.Second * 5,
		wantReceivedBlocks: 2,
		wantReceivedTxns:   6,
		wantReceivedInputs: 12,
		wantReceivedForked: 1,
	}, {
		name:       "round 1, block 2, last log < 10 secs ago, forced",
		inputBlock: &testBlocks[2],
		forceLog:   true,
	}, {
		name:               "round 2, block 0, last log < 10 secs ago, not forced",
		reset:              true,
		inputBlock:         &testBlocks[0],
		wantReceivedBlocks: 1,
		wantReceivedTxns:   4,
		wantReceivedInputs: 7,
	}, {
		name:       "round 2, block 1, last log > 10 secs ago, not forced",
		inputBlock: &testBlocks[1],
		advance:    time.Second * 11,
	}, {
		name:       "round 2, block 2, last log < 10 secs ago, forced",
		inputBlock: &testBlocks[2],
		forceLog:   true,
	}}

	clk := clock.NewTestClock(start)
	progressLogger := New("Wrote", testLog, clk)
	for _, test := range tests {
		if test.reset {
			progressLogger = New("Wrote", testLog, clk)
		}
		prevLogTime := progressLogger.lastLogTime
		now := clk.Now().Add(test.advance)
		clk.SetTime(now)
		progressLogger.LogProgress(test.inputBlock, test.forked, test.forceLog)

		wantLogTime := prevLogTime
		if test.wantReceivedBlocks == 0 {
			wantLogTime = now
		}
		want := &Logger{
			receivedBlocks:  test.wantReceivedBlocks,
			receivedTxns:    test.wantReceivedTxns,
			receivedInputs:  test.wantReceivedInputs,
			receivedForked:  test.wantReceivedForked,
			lastLogTime:     wantLogTime,
			progressAction:  progressLogger.progressAction,
			subsystemLogger: progressLogger.subsystemLogger,
			clock:           clk,
		}
		if !reflect.DeepEqual(progressLogger, want) {
			t.Errorf("%s:\nwant: %+v\ngot: %+v\n", test.name, want,
				progressLogger)
		}
	}
}

// TestSetLastLogTime ensures resetting the last log time delays the next
// progress message.
func TestSetLastLogTime(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	clk := clock.NewTestClock(start)
	logger := New("Processed", testLog, clk)
	block := &wire.MsgBlock{Transactions: []*wire.MsgTx{txWithInputs(1)}}

	clk.SetTime(start.Add(time.Minute))
	logger.SetLastLogTime(start.Add(time.Minute - time.Second))
	logger.LogProgress(block, false, false)
	if logger.receivedBlocks != 1 {
		t.Fatalf("unexpected log after reset: %d pending blocks",
			logger.receivedBlocks)
	}
}
