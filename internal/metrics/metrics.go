// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics exposes the prometheus collectors of the block and
// transaction admission pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace is the prefix of all collector names.
const namespace = "dcrsyncd"

// These constants define the results a processed block is labeled with.
const (
	BlockConnected = "connected"
	BlockSideChain = "side_chain"
	BlockCached    = "cached"
	BlockRejected  = "rejected"
	BlockDuplicate = "duplicate"
)

// Metrics houses the collectors of the admission pipeline.  All methods are
// safe to call on a nil instance, in which case they do nothing.
type Metrics struct {
	registry *prometheus.Registry

	orphans           prometheus.Gauge
	cachedBlocks      prometheus.Gauge
	blocksInFlight    prometheus.Gauge
	mempoolTxns       prometheus.Gauge
	blocks            *prometheus.CounterVec
	scriptFailures    prometheus.Counter
	forkSwitches      *prometheus.CounterVec
	revalidations     prometheus.Histogram
	revalidatedBlocks prometheus.Counter
	misbehavingPeers  prometheus.Counter
	stalledPeers      prometheus.Counter
}

// New returns the collectors registered with a new registry along with the
// standard process and go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(
		prometheus.ProcessCollectorOpts{Namespace: namespace}))
	reg.MustRegister(prometheus.NewGoCollector())

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		orphans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orphanpool",
			Name:      "transactions",
			Help:      "Number of orphan transactions.",
		}),
		cachedBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "blockcache",
			Name:      "blocks",
			Help:      "Number of blocks waiting for their parent.",
		}),
		blocksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peers",
			Name:      "blocks_in_flight",
			Help:      "Number of blocks requested from peers and not received yet.",
		}),
		mempoolTxns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "txpool",
			Name:      "transactions",
			Help:      "Number of transactions in the transaction pool.",
		}),
		blocks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "blocks_total",
			Help:      "Count of processed blocks by result.",
		}, []string{"result"}),
		scriptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scriptcheck",
			Name:      "failures_total",
			Help:      "Count of blocks and transactions that failed script validation.",
		}),
		forkSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chainselect",
			Name:      "fork_switches_total",
			Help:      "Count of attempts to switch the active chain by status.",
		}, []string{"status"}),
		revalidations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "blockcache",
			Name:      "revalidation_duration_seconds",
			Help:      "Duration of revalidation passes over the cached blocks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		revalidatedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockcache",
			Name:      "connected_total",
			Help:      "Count of cached blocks connected by revalidation passes.",
		}),
		misbehavingPeers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peers",
			Name:      "misbehavior_total",
			Help:      "Count of misbehavior reports against peers.",
		}),
		stalledPeers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peers",
			Name:      "stalled_total",
			Help:      "Count of peers disconnected for stalling block downloads.",
		}),
	}
}

// Handler returns the http handler that serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetOrphans sets the number of orphan transactions.
func (m *Metrics) SetOrphans(n int) {
	if m == nil {
		return
	}
	m.orphans.Set(float64(n))
}

// SetCachedBlocks sets the number of cached blocks.
func (m *Metrics) SetCachedBlocks(n int) {
	if m == nil {
		return
	}
	m.cachedBlocks.Set(float64(n))
}

// SetBlocksInFlight sets the number of blocks in flight.
func (m *Metrics) SetBlocksInFlight(n int) {
	if m == nil {
		return
	}
	m.blocksInFlight.Set(float64(n))
}

// SetMempoolTxns sets the number of transactions in the transaction pool.
func (m *Metrics) SetMempoolTxns(n int) {
	if m == nil {
		return
	}
	m.mempoolTxns.Set(float64(n))
}

// ObserveBlock counts a processed block with the provided result.
func (m *Metrics) ObserveBlock(result string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(result).Inc()
}

// ObserveScriptFailure counts a script validation failure.
func (m *Metrics) ObserveScriptFailure() {
	if m == nil {
		return
	}
	m.scriptFailures.Inc()
}

// ObserveForkSwitch counts an attempt to switch the active chain.
func (m *Metrics) ObserveForkSwitch(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.forkSwitches.WithLabelValues(status).Inc()
}

// ObserveForkSwitchThrottled counts an attempt to switch the active chain
// that was refused because of recent failures.
func (m *Metrics) ObserveForkSwitchThrottled() {
	if m == nil {
		return
	}
	m.forkSwitches.WithLabelValues("throttled").Inc()
}

// ObserveRevalidation records the duration of a revalidation pass that started
// at the provided time along with the number of blocks it connected.
func (m *Metrics) ObserveRevalidation(start time.Time, connected int) {
	if m == nil {
		return
	}
	m.revalidations.Observe(time.Since(start).Seconds())
	m.revalidatedBlocks.Add(float64(connected))
}

// ObserveMisbehavior counts a misbehavior report against a peer.
func (m *Metrics) ObserveMisbehavior() {
	if m == nil {
		return
	}
	m.misbehavingPeers.Inc()
}

// ObserveStall counts a peer that was disconnected for stalling.
func (m *Metrics) ObserveStall() {
	if m == nil {
		return
	}
	m.stalledPeers.Inc()
}
