// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
)

// shutdownRequestChannel carries shutdown requests that originate inside the
// daemon: a fatal chain store failure reported by the admission manager, or
// the end of a block import.
var shutdownRequestChannel = make(chan string)

// interruptSignals defines the signals that stop the daemon.  The list is
// extended on platforms that support SIGTERM and SIGHUP.
var interruptSignals = []os.Signal{os.Interrupt}

// shutdownListener returns a context that is canceled on the first interrupt
// signal or internal shutdown request.  Every service run by the server
// derives from this context, so canceling it stops the script workers, the
// admission manager, the monitor and any running import.
//
// Later signals and requests are only logged since the services are already
// winding down.
func shutdownListener() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, interruptSignals...)

		select {
		case sig := <-interruptChannel:
			dsynLog.Infof("Received signal (%s).  Shutting down...", sig)

		case reason := <-shutdownRequestChannel:
			dsynLog.Infof("Shutdown requested (%s).  Shutting down...",
				reason)
		}
		cancel()

		for {
			select {
			case sig := <-interruptChannel:
				dsynLog.Infof("Received signal (%s).  Already "+
					"shutting down...", sig)

			case reason := <-shutdownRequestChannel:
				dsynLog.Debugf("Shutdown requested (%s) while already "+
					"shutting down", reason)
			}
		}
	}()

	return ctx
}

// requestShutdown asks the shutdown listener to stop the daemon for the
// provided reason.  It never blocks the caller, which matters for the
// admission manager since it reports fatal errors from its event handler.
func requestShutdown(reason string) {
	go func() {
		shutdownRequestChannel <- reason
	}()
}

// shutdownRequested returns whether the context returned by shutdownListener
// was canceled.
func shutdownRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}

	return false
}
