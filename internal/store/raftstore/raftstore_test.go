package raftstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedstate/internal/store/backend"
	"fedstate/internal/store/memory"
)

// ============================================================================
// commands
// ============================================================================

func TestResponseRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"ok", nil, nil},
		{"no record", backend.ErrNoRecord, backend.ErrNoRecord},
		{"exists", errExists, backend.ErrRecordExists},
		{"conflict", memory.ErrConflict, errConflict},
		{"closed", backend.ErrClosed, backend.ErrClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx, err := parseResponse(encodeResponse(7, tc.err))
			assert.Equal(t, uint64(7), idx)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := parseResponse(encodeResponse(1, assert.AnError))
	require.Error(t, err)
	assert.Equal(t, assert.AnError.Error(), err.Error())
}

func applyCmd(t *testing.T, f *fsm, cmd []byte) (uint64, error) {
	t.Helper()
	resp, ok := f.Apply(&hraft.Log{Data: cmd}).([]byte)
	require.True(t, ok)
	return parseResponse(resp)
}

func TestFSMApply(t *testing.T) {
	mem := memory.New()
	f := newFSM(mem)
	ctx := context.Background()

	cmd, err := buildCreateCommand(backend.TableApplications, "application_1_0001", []byte("SC1"))
	require.NoError(t, err)
	idx, err := applyCmd(t, f, cmd)
	require.NoError(t, err)

	_, err = applyCmd(t, f, cmd)
	assert.ErrorIs(t, err, backend.ErrRecordExists)

	// put against a stale index is rejected
	stale, err := buildPutCommand(backend.TableApplications, "application_1_0001", []byte("SC2"), idx+10)
	require.NoError(t, err)
	_, err = applyCmd(t, f, stale)
	assert.ErrorIs(t, err, errConflict)

	put, err := buildPutCommand(backend.TableApplications, "application_1_0001", []byte("SC2"), idx)
	require.NoError(t, err)
	_, err = applyCmd(t, f, put)
	require.NoError(t, err)
	v, err := mem.Get(ctx, backend.TableApplications, "application_1_0001")
	require.NoError(t, err)
	assert.Equal(t, []byte("SC2"), v)

	del, err := buildDeleteCommand(backend.TableApplications, "application_1_0001")
	require.NoError(t, err)
	_, err = applyCmd(t, f, del)
	require.NoError(t, err)
	_, err = applyCmd(t, f, del)
	assert.ErrorIs(t, err, backend.ErrNoRecord)

	unknown, err := buildCommand("compact", recordCommand{})
	require.NoError(t, err)
	_, err = applyCmd(t, f, unknown)
	assert.ErrorContains(t, err, "unknown op")

	_, err = applyCmd(t, f, []byte("{not json"))
	assert.ErrorContains(t, err, "decode command")
}

type bufferSink struct {
	bytes.Buffer
	canceled bool
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Cancel() error { s.canceled = true; return nil }
func (s *bufferSink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	src := memory.New()
	require.NoError(t, src.Create(ctx, backend.TablePolicies, "root.a", []byte("p1")))
	require.NoError(t, src.Create(ctx, backend.TableSubClusters, "SC1", []byte("s1")))

	snap, err := newFSM(src).Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.False(t, sink.canceled)

	dst := memory.New()
	require.NoError(t, newFSM(dst).Restore(io.NopCloser(&sink.Buffer)))
	recs, err := dst.List(ctx, backend.TablePolicies)
	require.NoError(t, err)
	assert.Equal(t, []backend.Record{{Key: "root.a", Value: []byte("p1")}}, recs)
	v, err := dst.Get(ctx, backend.TableSubClusters, "SC1")
	require.NoError(t, err)
	assert.Equal(t, []byte("s1"), v)
}

// ============================================================================
// cluster
// ============================================================================

func openInmem(t *testing.T, id string, bootstrap bool) *Store {
	t.Helper()
	s, err := Open(Config{NodeID: id, InMemory: true, Bootstrap: bootstrap, ApplyTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{NodeID: "n1"}.Validate(), "disk mode needs bind addr")
	assert.Error(t, Config{NodeID: "n1", BindAddr: "127.0.0.1:7000"}.Validate(), "disk mode needs data dir")
	assert.NoError(t, Config{NodeID: "n1", InMemory: true}.Validate())
	assert.NoError(t, Config{NodeID: "n1", BindAddr: "127.0.0.1:7000", DataDir: t.TempDir()}.Validate())
}

func TestJoinReplicatesToFollower(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	leader := openInmem(t, "n1", true)
	require.NoError(t, leader.WaitForLeader(ctx))
	require.True(t, leader.IsLeader(), "a bootstrapped node accepts writes once WaitForLeader returns")

	follower := openInmem(t, "n2", false)
	lt := leader.node.transport.(*hraft.InmemTransport)
	ft := follower.node.transport.(*hraft.InmemTransport)
	lt.Connect(ft.LocalAddr(), ft)
	ft.Connect(lt.LocalAddr(), lt)

	assert.ErrorIs(t, follower.Join("n3", "nowhere"), ErrNotLeader)
	require.NoError(t, leader.Join("n2", string(ft.LocalAddr())))
	require.NoError(t, leader.Join("n2", string(ft.LocalAddr())), "joining twice is a no-op")

	require.NoError(t, leader.Create(ctx, backend.TableApplications, "application_1_0001", []byte("SC1")))
	require.NoError(t, leader.Upsert(ctx, backend.TablePolicies, "root.a", func([]byte) ([]byte, error) {
		return []byte("p1"), nil
	}))

	require.Eventually(t, func() bool {
		v, err := follower.Get(ctx, backend.TablePolicies, "root.a")
		return err == nil && string(v) == "p1"
	}, 5*time.Second, 20*time.Millisecond)
	v, err := follower.Get(ctx, backend.TableApplications, "application_1_0001")
	require.NoError(t, err)
	assert.Equal(t, []byte("SC1"), v)
	assert.Equal(t, string(lt.LocalAddr()), follower.Leader())

	// followers do not write
	assert.False(t, follower.IsLeader())
	assert.ErrorIs(t, follower.Create(ctx, backend.TableApplications, "application_1_0002", []byte("SC1")), ErrNotLeader)
	assert.ErrorIs(t, follower.Update(ctx, backend.TablePolicies, "root.a", func(b []byte) ([]byte, error) {
		return b, nil
	}), ErrNotLeader)
	assert.ErrorIs(t, follower.Delete(ctx, backend.TablePolicies, "root.a"), ErrNotLeader)
	assert.NoError(t, follower.Ping(ctx))
}

func TestLeadershipObserver(t *testing.T) {
	got := make(chan bool, 4)
	s, err := Open(Config{NodeID: "n1", InMemory: true, Bootstrap: true},
		WithLeadershipObserver(func(isLeader bool) { got <- isLeader }))
	require.NoError(t, err)
	defer s.Close()

	select {
	case isLeader := <-got:
		assert.True(t, isLeader)
	case <-time.After(5 * time.Second):
		t.Fatal("no leadership notification")
	}
}

func TestCloseStopsNode(t *testing.T) {
	s, err := Open(Config{NodeID: "n1", InMemory: true, Bootstrap: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}

func connectAll(stores ...*Store) {
	for _, a := range stores {
		at := a.node.transport.(*hraft.InmemTransport)
		for _, b := range stores {
			if a != b {
				bt := b.node.transport.(*hraft.InmemTransport)
				at.Connect(bt.LocalAddr(), bt)
			}
		}
	}
}

func TestWritesWaitForLeaderCatchUp(t *testing.T) {
	ctx := context.Background()
	s := openInmem(t, "n1", true)
	require.Eventually(t, s.IsLeader, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Create(ctx, backend.TablePolicies, "root.a", []byte("p1")))

	// leader whose barrier has not completed yet
	s.ready.Store(false)
	assert.False(t, s.IsLeader())
	assert.ErrorIs(t, s.Create(ctx, backend.TablePolicies, "root.b", []byte("p2")), ErrNotLeader)
	assert.ErrorIs(t, s.Update(ctx, backend.TablePolicies, "root.a", func(b []byte) ([]byte, error) {
		return b, nil
	}), ErrNotLeader)
	assert.ErrorIs(t, s.Delete(ctx, backend.TablePolicies, "root.a"), ErrNotLeader)

	require.True(t, s.catchUp())
	assert.True(t, s.IsLeader())
	assert.NoError(t, s.Update(ctx, backend.TablePolicies, "root.a", func([]byte) ([]byte, error) {
		return []byte("p3"), nil
	}))
}

func TestNewLeaderSeesCommittedRecords(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	n1 := openInmem(t, "n1", true)
	require.NoError(t, n1.WaitForLeader(ctx))
	n2 := openInmem(t, "n2", false)
	n3 := openInmem(t, "n3", false)
	connectAll(n1, n2, n3)
	require.NoError(t, n1.Join("n2", string(n2.node.transport.LocalAddr())))
	require.NoError(t, n1.Join("n3", string(n3.node.transport.LocalAddr())))

	const apps = 20
	for i := 0; i < apps; i++ {
		key := fmt.Sprintf("application_1_%04d", i)
		require.NoError(t, n1.Create(ctx, backend.TableApplications, key, []byte("SC1")))
	}
	require.NoError(t, n1.Close())

	var leader *Store
	require.Eventually(t, func() bool {
		for _, s := range []*Store{n2, n3} {
			if s.IsLeader() {
				leader = s
				return true
			}
		}
		return false
	}, 10*time.Second, 5*time.Millisecond)

	for i := 0; i < apps; i++ {
		key := fmt.Sprintf("application_1_%04d", i)
		err := leader.Update(ctx, backend.TableApplications, key, func([]byte) ([]byte, error) {
			return []byte("SC2"), nil
		})
		require.NoError(t, err, key)
	}
}
