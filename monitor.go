// Copyright (c) 2024-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/decred/dcrsyncd/internal/metrics"
)

const (
	// monitorReadHeaderTimeout is the maximum amount of time the monitor
	// server allows for reading request headers.
	monitorReadHeaderTimeout = time.Second * 3

	// monitorShutdownTimeout is the maximum amount of time given to the
	// monitor server to finish in-flight requests during shutdown.
	monitorShutdownTimeout = time.Second * 5
)

// monitorServer serves the prometheus metrics along with the pprof profiling
// endpoints over HTTP.
type monitorServer struct {
	listenAddr string
	server     *http.Server
}

// newMonitorMux returns the handler that routes the metrics and profiling
// endpoints.
func newMonitorMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/", http.RedirectHandler("/metrics", http.StatusSeeOther))
	return mux
}

// newMonitorServer returns a monitor server for the provided metrics that
// listens on the provided address once run.
func newMonitorServer(listenAddr string, m *metrics.Metrics) *monitorServer {
	return &monitorServer{
		listenAddr: listenAddr,
		server: &http.Server{
			Addr:              listenAddr,
			Handler:           newMonitorMux(m),
			ReadHeaderTimeout: monitorReadHeaderTimeout,
		},
	}
}

// Run binds the listener and serves requests until the provided context is
// cancelled.  An error is returned when the listener fails to bind or the
// server exits unexpectedly.
func (s *monitorServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", s.listenAddr, err)
	}
	dsynLog.Infof("Metrics server listening on %s", listener.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		dsynLog.Errorf("Metrics server listening on %s exited with "+
			"unexpected error: %v", listener.Addr(), err)
		return err

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		monitorShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		dsynLog.Errorf("Metrics server stopped with unexpected error: %v", err)
		return err
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	dsynLog.Info("Metrics server stopped")
	return nil
}
