package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsIdempotentPerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	require.NoError(t, err)
	b, err := New(reg)
	require.NoError(t, err)

	a.ObserveStoreOp("policies", "set", "ok", time.Millisecond)
	b.ObserveStoreOp("policies", "set", "ok", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.StoreOps.WithLabelValues("policies", "set", "ok")))
}

func TestLeadershipGauge(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SetLeader(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RaftIsLeader))
	m.SetLeader(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RaftIsLeader))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RaftLeadershipChanges))
}

func TestCacheCounters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	m.CacheHit("subcluster")
	m.CacheMiss("subcluster")
	m.CacheMiss("subcluster")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("subcluster", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("subcluster", "miss")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStoreOp("t", "op", "ok", time.Second)
		m.ObserveRaftApply(time.Second)
		m.SetLeader(true)
		m.CacheHit("x")
		m.CacheMiss("x")
		m.SubClusterLost()
	})
}
