// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progresslog

import (
	"sync"
	"time"

	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
	"github.com/lightningnetwork/lnd/clock"
)

// logInterval is the minimum amount of time between two progress messages
// that are not forced.
const logInterval = time.Second * 10

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n uint64, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}

// Logger provides periodic logging of progress towards some action such as
// syncing the chain.
type Logger struct {
	sync.Mutex
	subsystemLogger slog.Logger
	progressAction  string
	clock           clock.Clock

	// lastLogTime tracks the last time a log statement was shown.
	lastLogTime time.Time

	// These fields accumulate information about blocks between log statements.
	receivedBlocks uint64
	receivedTxns   uint64
	receivedInputs uint64
	receivedForked uint64
}

// New returns a new block progress logger.  The system clock is used when the
// provided clock is nil.
func New(progressAction string, logger slog.Logger, clk clock.Clock) *Logger {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Logger{
		lastLogTime:     clk.Now(),
		progressAction:  progressAction,
		subsystemLogger: logger,
		clock:           clk,
	}
}

// LogProgress accumulates details for the provided block and periodically
// (every 10 seconds) logs an information message to show progress to the user
// along with duration and totals included.  The forked flag indicates the block
// was connected to a side chain.
//
// The force flag may be used to force a log message to be shown regardless of
// the time the last one was shown.
//
// The progress message is templated as follows:
//
//	{progressAction} {numProcessed} {blocks|block} in the last {timePeriod}
//	({numTxs} {transactions|transaction}, {numInputs} {inputs|input},
//	{numForked} side chain, height {lastBlockHeight}, {lastBlockTimeStamp})
func (l *Logger) LogProgress(block *wire.MsgBlock, forked, forceLog bool) {
	l.Lock()
	defer l.Unlock()

	header := &block.Header
	l.receivedBlocks++
	l.receivedTxns += uint64(len(block.Transactions))
	for _, tx := range block.Transactions {
		l.receivedInputs += uint64(len(tx.TxIn))
	}
	if forked {
		l.receivedForked++
	}
	now := l.clock.Now()
	duration := now.Sub(l.lastLogTime)
	if !forceLog && duration < logInterval {
		return
	}

	// Log information about chain progress.
	l.subsystemLogger.Infof("%s %d %s in the last %0.2fs (%d %s, %d %s, "+
		"%d side chain, height %d, %s)", l.progressAction,
		l.receivedBlocks, pickNoun(l.receivedBlocks, "block", "blocks"),
		duration.Seconds(),
		l.receivedTxns, pickNoun(l.receivedTxns, "transaction", "transactions"),
		l.receivedInputs, pickNoun(l.receivedInputs, "input", "inputs"),
		l.receivedForked, header.Height, header.Timestamp)

	l.receivedBlocks = 0
	l.receivedTxns = 0
	l.receivedInputs = 0
	l.receivedForked = 0
	l.lastLogTime = now
}

// SetLastLogTime updates the last time data was logged to the provided time.
func (l *Logger) SetLastLogTime(time time.Time) {
	l.Lock()
	l.lastLogTime = time
	l.Unlock()
}
