package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedstate/internal/api"
	"fedstate/internal/config"
	"fedstate/internal/federation"
	"fedstate/internal/store"
)

func newServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Reaper.Enabled = true
	cfg.Reaper.HeartbeatTimeout = time.Minute
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	s, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestMemoryServer(t *testing.T) {
	s := newServer(t, func(c *config.Config) { c.Cache.TTL = time.Second })
	require.Eventually(t, s.Reaper().Running, 5*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	c := api.NewClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.RegisterSubCluster(ctx, federation.SubClusterInfo{
		ID:                     "SC1",
		AMRMServiceAddress:     "rm1:8030",
		ClientRMServiceAddress: "rm1:8032",
		RMAdminServiceAddress:  "rm1:8033",
		RMWebServiceAddress:    "rm1:8088",
	}))
	_, err := c.GetSubCluster(ctx, "SC1")
	require.NoError(t, err)

	// cached read is invalidated by the heartbeat
	require.NoError(t, c.SubClusterHeartbeat(ctx, "SC1", federation.StateRunning, "c"))
	info, err := c.GetSubCluster(ctx, "SC1")
	require.NoError(t, err)
	assert.Equal(t, federation.StateRunning, info.State)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Nil(t, h.Leader, "leadership is only reported in raft mode")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsCanBeDisabled(t *testing.T) {
	s := newServer(t, func(c *config.Config) { c.Metrics.Disabled = true })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRaftServerRunsReaperOnLeader(t *testing.T) {
	s := newServer(t, func(c *config.Config) {
		c.Store.Driver = store.DriverRaft
		c.Store.Raft.NodeID = "n1"
		c.Store.Raft.InMemory = true
		c.Store.Raft.Bootstrap = true
	})
	require.Eventually(t, s.Reaper().Running, 5*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	h, err := api.NewClient(srv.URL).Health(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h.Leader)
	assert.True(t, *h.Leader)

	s.Close()
	assert.False(t, s.Reaper().Running())
}

func TestJoinRetriesUntilAccepted(t *testing.T) {
	var calls atomic.Int32
	var got api.JoinRequest
	member := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "not the leader", Kind: "failure"})
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer member.Close()

	s := newServer(t, func(c *config.Config) {
		c.Store.Driver = store.DriverRaft
		c.Store.Raft.NodeID = "n2"
		c.Store.Raft.InMemory = true
		c.Store.Raft.AdvertiseAddr = "10.0.0.2:7000"
		c.Join = member.URL
	})
	assert.NotNil(t, s.Store())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, api.JoinRequest{NodeID: "n2", Addr: "10.0.0.2:7000"}, got)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newServer(t, func(c *config.Config) { c.HTTP.Addr = "127.0.0.1:0" })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Error(t, s.Store().Ping(context.Background()))
}

func TestReapedSubClusterIsNotServedFromCache(t *testing.T) {
	s := newServer(t, func(c *config.Config) {
		c.Cache.TTL = time.Hour
		c.Reaper.HeartbeatTimeout = 50 * time.Millisecond
		c.Reaper.Interval = 10 * time.Millisecond
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	c := api.NewClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.RegisterSubCluster(ctx, federation.SubClusterInfo{
		ID:                     "SC1",
		AMRMServiceAddress:     "rm1:8030",
		ClientRMServiceAddress: "rm1:8032",
		RMAdminServiceAddress:  "rm1:8033",
		RMWebServiceAddress:    "rm1:8088",
	}))
	require.NoError(t, c.SubClusterHeartbeat(ctx, "SC1", federation.StateRunning, "c"))
	info, err := c.GetSubCluster(ctx, "SC1")
	require.NoError(t, err)
	require.Equal(t, federation.StateRunning, info.State)

	require.Eventually(t, func() bool {
		info, err := c.GetSubCluster(ctx, "SC1")
		return err == nil && info.State == federation.StateLost
	}, 5*time.Second, 20*time.Millisecond)
}
