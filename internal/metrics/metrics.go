// Package metrics holds the Prometheus collectors for the store, the raft
// backend and the router read cache.
//
// Every method is safe on a nil *Metrics so components can be built
// without instrumentation.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fedstate"

// Metrics groups all collectors of one process.
type Metrics struct {
	StoreOps              *prometheus.CounterVec
	StoreOpLatency        *prometheus.HistogramVec
	RaftApplyLatency      prometheus.Histogram
	RaftLeadershipChanges prometheus.Counter
	RaftIsLeader          prometheus.Gauge
	CacheRequests         *prometheus.CounterVec
	HeartbeatsReaped      prometheus.Counter
}

// New creates the collectors and registers them on reg (the default
// registerer when nil). Registering twice on the same registry reuses
// the collectors already there.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Store operations by table, operation and result kind.",
		}, []string{"table", "op", "result"}),
		StoreOpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"table", "op"}),
		RaftApplyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raft_apply_latency_ms",
			Help:      "Latency of raft.Apply in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RaftLeadershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raft_leadership_changes_total",
			Help:      "Number of times this node became leader.",
		}),
		RaftIsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raft_is_leader",
			Help:      "1 while this node is the raft leader.",
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Router cache lookups by kind and result (hit or miss).",
		}, []string{"kind", "result"}),
		HeartbeatsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subclusters_marked_lost_total",
			Help:      "Sub-clusters marked LOST by the heartbeat reaper.",
		}),
	}

	var err error
	if m.StoreOps, err = register(reg, m.StoreOps); err != nil {
		return nil, err
	}
	if m.StoreOpLatency, err = register(reg, m.StoreOpLatency); err != nil {
		return nil, err
	}
	if m.RaftApplyLatency, err = register(reg, m.RaftApplyLatency); err != nil {
		return nil, err
	}
	if m.RaftLeadershipChanges, err = register(reg, m.RaftLeadershipChanges); err != nil {
		return nil, err
	}
	if m.RaftIsLeader, err = register(reg, m.RaftIsLeader); err != nil {
		return nil, err
	}
	if m.CacheRequests, err = register(reg, m.CacheRequests); err != nil {
		return nil, err
	}
	if m.HeartbeatsReaped, err = register(reg, m.HeartbeatsReaped); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveStoreOp records one store call.
func (m *Metrics) ObserveStoreOp(table, op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreOps.WithLabelValues(table, op, result).Inc()
	m.StoreOpLatency.WithLabelValues(table, op).Observe(d.Seconds())
}

// ObserveRaftApply records the latency of one raft.Apply.
func (m *Metrics) ObserveRaftApply(d time.Duration) {
	if m == nil {
		return
	}
	m.RaftApplyLatency.Observe(float64(d) / float64(time.Millisecond))
}

// SetLeader tracks leadership transitions.
func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.RaftLeadershipChanges.Inc()
		m.RaftIsLeader.Set(1)
		return
	}
	m.RaftIsLeader.Set(0)
}

// CacheHit counts a router cache hit for kind.
func (m *Metrics) CacheHit(kind string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(kind, "hit").Inc()
}

// CacheMiss counts a router cache miss for kind.
func (m *Metrics) CacheMiss(kind string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(kind, "miss").Inc()
}

// SubClusterLost counts one sub-cluster marked LOST.
func (m *Metrics) SubClusterLost() {
	if m == nil {
		return
	}
	m.HeartbeatsReaped.Inc()
}
