// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrsyncd/internal/admission"
	"github.com/decred/dcrsyncd/internal/chainstore"
	"github.com/decred/dcrsyncd/internal/metrics"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
	"github.com/decred/dcrsyncd/internal/txpool"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"
)

// scriptFlags are the flags used when executing the scripts of transactions
// in blocks and the transaction pool.
const scriptFlags = txscript.ScriptVerifyCleanStack |
	txscript.ScriptVerifyCheckLockTimeVerify |
	txscript.ScriptVerifyCheckSequenceVerify |
	txscript.ScriptVerifySHA256

// logPeerNotifier implements admission.PeerNotifier for the daemon.  There is
// no network layer attached, so the notifications are logged.
type logPeerNotifier struct{}

// Ensure logPeerNotifier implements the admission.PeerNotifier interface.
var _ admission.PeerNotifier = logPeerNotifier{}

func (logPeerNotifier) RequestBlock(peerID int32, hash *chainhash.Hash) {
	dsynLog.Debugf("Requesting block %v from peer %d", hash, peerID)
}

func (logPeerNotifier) Misbehaving(peerID int32, score uint32, reason string) {
	dsynLog.Debugf("Peer %d misbehavior score %d: %s", peerID, score, reason)
}

func (logPeerNotifier) Ban(peerID int32, reason string) {
	dsynLog.Infof("Banning peer %d: %s", peerID, reason)
}

func (logPeerNotifier) Disconnect(peerID int32, reason string) {
	dsynLog.Infof("Disconnecting peer %d: %s", peerID, reason)
}

// server houses the services that admit blocks and transactions into the
// chain store and the transaction pool.
type server struct {
	cfg         *config
	scriptQueue *scriptcheck.Queue
	chain       *chainstore.Store
	txPool      *txpool.Pool
	metrics     *metrics.Metrics
	monitor     *monitorServer
	syncManager *admission.Manager
}

// newServer returns a new server configured by the provided config.  The
// chain store is opened and must be closed by running the server.
func newServer(ctx context.Context, cfg *config) (*server, error) {
	sigCache, err := txscript.NewSigCache(cfg.SigCacheMaxSize)
	if err != nil {
		return nil, err
	}

	s := server{
		cfg:         cfg,
		scriptQueue: scriptcheck.New(cfg.ScriptThreads),
	}
	dsynLog.Infof("Using %d script verification %s", s.scriptQueue.Workers(),
		pickNoun(uint64(s.scriptQueue.Workers()), "worker", "workers"))

	s.chain, err = chainstore.Open(ctx, &chainstore.Config{
		Params:      cfg.params,
		DataDir:     cfg.DataDir,
		ScriptQueue: s.scriptQueue,
		ScriptFlags: scriptFlags,
		SigCache:    sigCache,
	})
	if err != nil {
		return nil, err
	}

	clk := clock.NewDefaultClock()
	s.txPool = txpool.New(&txpool.Config{
		Chain:       s.chain,
		ScriptQueue: s.scriptQueue,
		ScriptFlags: scriptFlags,
		SigCache:    sigCache,
		Clock:       clk,
	})

	if cfg.Prometheus != "" {
		s.metrics = metrics.New()
		s.monitor = newMonitorServer(cfg.Prometheus, s.metrics)
	}

	admissionCfg := cfg.admissionConfig()
	admissionCfg.PeerNotifier = logPeerNotifier{}
	admissionCfg.Chain = s.chain
	admissionCfg.TxPool = s.txPool
	admissionCfg.Clock = clk
	admissionCfg.Metrics = s.metrics
	admissionCfg.OnFatal = func(err error) {
		dsynLog.Criticalf("Shutting down after chain state failure: %v", err)
		requestShutdown("chain state failure")
	}
	s.syncManager = admission.New(&admissionCfg)
	return &s, nil
}

// Run starts the server and blocks until the provided context is cancelled or
// one of the services fails.  The chain store is closed before returning.
func (s *server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.scriptQueue.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.syncManager.Run(gctx)
		return nil
	})
	if s.monitor != nil {
		g.Go(func() error {
			return s.monitor.Run(gctx)
		})
	}
	if s.cfg.ImportFile != "" {
		g.Go(func() error {
			err := importBlockFile(gctx, s.cfg.ImportFile, s.cfg.params,
				s.syncManager)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return err
			}
			requestShutdown("block import complete")
			return nil
		})
	}

	err := g.Wait()
	dsynLog.Info("Closing the chain database...")
	if cerr := s.chain.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
