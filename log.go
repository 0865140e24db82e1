// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/decred/dcrsyncd/internal/admission"
	"github.com/decred/dcrsyncd/internal/blockcache"
	"github.com/decred/dcrsyncd/internal/chainselect"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/decred/dcrsyncd/internal/orphanpool"
	"github.com/decred/dcrsyncd/internal/peerstate"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
	"github.com/decred/dcrsyncd/internal/txpool"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

const (
	// logRotatorThresholdKB is the size a log file reaches before it is
	// rolled.  logRotatorMaxRolls is the number of rolled files kept.
	logRotatorThresholdKB = 10 * 1024
	logRotatorMaxRolls    = 3
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem loggers.
	// The backend must not be used before the log rotator has been
	// initialized, or data races and/or nil pointer dereferences will occur.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	bcchLog = backendLog.Logger("BCCH")
	chstLog = backendLog.Logger("CHST")
	cselLog = backendLog.Logger("CSEL")
	dsynLog = backendLog.Logger("DSYN")
	orphLog = backendLog.Logger("ORPH")
	peerLog = backendLog.Logger("PEER")
	schkLog = backendLog.Logger("SCHK")
	syncLog = backendLog.Logger("SYNC")
	txmpLog = backendLog.Logger("TXMP")
)

// Initialize package-global logger variables.
func init() {
	admission.UseLogger(syncLog)
	blockcache.UseLogger(bcchLog)
	chainselect.UseLogger(cselLog)
	chainstore.UseLogger(chstLog)
	orphanpool.UseLogger(orphLog)
	peerstate.UseLogger(peerLog)
	scriptcheck.UseLogger(schkLog)
	txpool.UseLogger(txmpLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]slog.Logger{
	"BCCH": bcchLog,
	"CHST": chstLog,
	"CSEL": cselLog,
	"DSYN": dsynLog,
	"ORPH": orphLog,
	"PEER": peerLog,
	"SCHK": schkLog,
	"SYNC": syncLog,
	"TXMP": txmpLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, logRotatorThresholdKB, false,
		logRotatorMaxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r
	return nil
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.  Uninitialized subsystems are dynamically created as
// needed.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.  It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.  Dynamically
	// create loggers as needed.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// pickNoun returns the singular or plural form of a noun depending on the
// count n.
func pickNoun(n uint64, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
