// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/decred/dcrsyncd/internal/version"
)

// softMemoryLimit is the soft memory limit imposed on the runtime.  Block and
// transaction processing can cause bursty allocations, so the limit keeps the
// garbage collector from excessively overallocating during bursts.
const softMemoryLimit = (15 * (1 << 30)) / 10 // 1.5 GiB

// dcrsyncdMain is the real main function for dcrsyncd.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func dcrsyncdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	cfg, _, err := loadConfig(appName, os.Args[1:])
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as the admission manager.
	ctx := shutdownListener()
	defer dsynLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	dsynLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	dsynLog.Infof("Home dir: %s", cfg.HomeDir)
	dsynLog.Infof("Active network: %s", cfg.params.Name)
	if cfg.NoFileLogging {
		dsynLog.Info("File logging disabled")
	}

	debug.SetMemoryLimit(softMemoryLimit)

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// Create the server.  This opens the chain database.
	svr, err := newServer(ctx, cfg)
	if err != nil {
		dsynLog.Errorf("Unable to start server: %v", err)
		return err
	}

	// Run the server.  This will block until the context is cancelled which
	// happens when the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems such as the
	// admission manager.
	if err := svr.Run(ctx); err != nil {
		dsynLog.Errorf("Server stopped with error: %v", err)
		return err
	}
	dsynLog.Infof("Server shutdown complete")
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := dcrsyncdMain(); err != nil {
		os.Exit(1)
	}
}
