package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedstate/internal/federation"
	"fedstate/internal/metrics"
	"fedstate/internal/store"
	"fedstate/internal/store/backend"
	"fedstate/internal/store/memory"
)

// countingBackend counts reads that reach the backend.
type countingBackend struct {
	backend.Backend
	mu    sync.Mutex
	gets  int
	lists int
}

func (c *countingBackend) Get(ctx context.Context, t backend.Table, k string) ([]byte, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Backend.Get(ctx, t, k)
}

func (c *countingBackend) List(ctx context.Context, t backend.Table) ([]backend.Record, error) {
	c.mu.Lock()
	c.lists++
	c.mu.Unlock()
	return c.Backend.List(ctx, t)
}

func (c *countingBackend) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets, c.lists
}

// stallingBackend parks the first armed Get after it has read the
// record, until release is closed.
type stallingBackend struct {
	backend.Backend
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (b *stallingBackend) Get(ctx context.Context, t backend.Table, k string) ([]byte, error) {
	v, err := b.Backend.Get(ctx, t, k)
	if b.armed.CompareAndSwap(true, false) {
		close(b.read)
		<-b.release
	}
	return v, err
}

func setup(t *testing.T, ttl time.Duration) (*Store, *countingBackend, *metrics.Metrics) {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	cb := &countingBackend{Backend: memory.New()}
	s := store.New(cb)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, ttl, m), cb, m
}

func subCluster(id string) federation.SubClusterInfo {
	return federation.SubClusterInfo{
		ID:                     federation.SubClusterID(id),
		AMRMServiceAddress:     "1.2.3.4:1",
		ClientRMServiceAddress: "1.2.3.4:2",
		RMAdminServiceAddress:  "1.2.3.4:3",
		RMWebServiceAddress:    "1.2.3.4:4",
		Capability:             "capability",
	}
}

func TestSubClusterReadsAreCached(t *testing.T) {
	cs, cb, m := setup(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, cs.RegisterSubCluster(ctx, subCluster("SC1")))

	for i := 0; i < 3; i++ {
		info, err := cs.GetSubCluster(ctx, "SC1")
		require.NoError(t, err)
		assert.Equal(t, federation.StateNew, info.State)
	}
	gets, _ := cb.counts()
	assert.Equal(t, 1, gets)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("subcluster", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("subcluster", "miss")))

	// a write through the cache invalidates
	require.NoError(t, cs.SubClusterHeartbeat(ctx, "SC1", federation.StateRunning, "c2"))
	info, err := cs.GetSubCluster(ctx, "SC1")
	require.NoError(t, err)
	assert.Equal(t, federation.StateRunning, info.State)
	assert.Equal(t, "c2", info.Capability)

	active, err := cs.GetSubClusters(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NoError(t, cs.DeregisterSubCluster(ctx, "SC1", federation.StateDecommissioned))
	active, err = cs.GetSubClusters(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestErrorsAreNotCached(t *testing.T) {
	cs, cb, _ := setup(t, time.Minute)
	ctx := context.Background()

	_, err := cs.GetSubCluster(ctx, "SC1")
	assert.True(t, store.IsNotFound(err))
	require.NoError(t, cs.RegisterSubCluster(ctx, subCluster("SC1")))
	_, err = cs.GetSubCluster(ctx, "SC1")
	require.NoError(t, err)
	gets, _ := cb.counts()
	assert.Equal(t, 2, gets)
}

func TestPolicyCacheReturnsCopies(t *testing.T) {
	cs, cb, _ := setup(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, cs.SetPolicyConfiguration(ctx, federation.PolicyConfiguration{
		Queue: "root.a", Type: "uniform", Params: []byte{1, 2},
	}))

	p, err := cs.GetPolicyConfiguration(ctx, "root.a")
	require.NoError(t, err)
	p.Params[0] = 9

	again, err := cs.GetPolicyConfiguration(ctx, "root.a")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, again.Params)

	all, err := cs.GetPoliciesConfigurations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	_, err = cs.GetPoliciesConfigurations(ctx)
	require.NoError(t, err)
	gets, lists := cb.counts()
	assert.Equal(t, 1, gets)
	assert.Equal(t, 1, lists)

	require.NoError(t, cs.SetPolicyConfiguration(ctx, federation.PolicyConfiguration{
		Queue: "root.b", Type: "weighted", Params: []byte{3},
	}))
	all, err = cs.GetPoliciesConfigurations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	cs, cb, _ := setup(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, cs.RegisterSubCluster(ctx, subCluster("SC1")))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cs.GetSubClusters(ctx, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, lists := cb.counts()
	assert.LessOrEqual(t, lists, 16)
	assert.GreaterOrEqual(t, lists, 1)

	_, err := cs.GetSubClusters(ctx, false)
	require.NoError(t, err)
	_, after := cb.counts()
	assert.Equal(t, lists, after, "the shared load populated the cache")
}

func TestZeroTTLPassesThrough(t *testing.T) {
	cs, cb, _ := setup(t, 0)
	ctx := context.Background()
	assert.False(t, cs.Enabled())
	require.NoError(t, cs.RegisterSubCluster(ctx, subCluster("SC1")))

	for i := 0; i < 3; i++ {
		_, err := cs.GetSubCluster(ctx, "SC1")
		require.NoError(t, err)
	}
	gets, _ := cb.counts()
	assert.Equal(t, 3, gets)
	cs.ForgetSubClusters("SC1")
}

func TestHomingIsNotCached(t *testing.T) {
	cs, cb, _ := setup(t, time.Minute)
	ctx := context.Background()
	home := federation.ApplicationHomeSubCluster{
		ApplicationID:  federation.NewApplicationID(1, 1),
		HomeSubCluster: "SC1",
	}
	require.NoError(t, cs.AddApplicationHomeSubCluster(ctx, home))
	for i := 0; i < 2; i++ {
		_, err := cs.GetApplicationHomeSubCluster(ctx, home.ApplicationID)
		require.NoError(t, err)
	}
	gets, _ := cb.counts()
	assert.Equal(t, 2, gets)
}

func TestReadAfterWriteDoesNotJoinOlderLoad(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	sb := &stallingBackend{
		Backend: memory.New(),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	s := store.New(sb)
	t.Cleanup(func() { _ = s.Close() })
	cs := New(s, time.Minute, m)
	ctx := context.Background()

	require.NoError(t, cs.SetPolicyConfiguration(ctx, federation.PolicyConfiguration{Queue: "q", Type: "T1"}))

	sb.armed.Store(true)
	early := make(chan string, 1)
	go func() {
		p, err := cs.GetPolicyConfiguration(ctx, "q")
		assert.NoError(t, err)
		early <- p.Type
	}()
	<-sb.read

	require.NoError(t, cs.SetPolicyConfiguration(ctx, federation.PolicyConfiguration{Queue: "q", Type: "T2"}))

	late := make(chan string, 1)
	go func() {
		p, err := cs.GetPolicyConfiguration(ctx, "q")
		assert.NoError(t, err)
		late <- p.Type
	}()
	select {
	case got := <-late:
		assert.Equal(t, "T2", got)
	case <-time.After(2 * time.Second):
		t.Error("read after the write waited on the load that started before it")
	}

	close(sb.release)
	assert.Equal(t, "T1", <-early)

	p, err := cs.GetPolicyConfiguration(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "T2", p.Type, "the stale load was not cached")
}

func TestForgetSubClustersDropsEntries(t *testing.T) {
	cs, cb, _ := setup(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, cs.RegisterSubCluster(ctx, subCluster("SC1")))
	require.NoError(t, cs.SubClusterHeartbeat(ctx, "SC1", federation.StateRunning, "c"))

	active, err := cs.GetSubClusters(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	_, err = cs.GetSubCluster(ctx, "SC1")
	require.NoError(t, err)

	// write that bypasses the cache
	require.NoError(t, cs.Store.DeregisterSubCluster(ctx, "SC1", federation.StateLost))
	info, err := cs.GetSubCluster(ctx, "SC1")
	require.NoError(t, err)
	assert.Equal(t, federation.StateRunning, info.State, "still cached")

	gets, lists := cb.counts()
	cs.ForgetSubClusters("SC1")

	info, err = cs.GetSubCluster(ctx, "SC1")
	require.NoError(t, err)
	assert.Equal(t, federation.StateLost, info.State)
	active, err = cs.GetSubClusters(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	gets2, lists2 := cb.counts()
	assert.Equal(t, gets+1, gets2)
	assert.Equal(t, lists+1, lists2)
}
