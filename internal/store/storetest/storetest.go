// Package storetest is a conformance suite run against every backend.
// A backend package calls Run from its tests with a factory returning a
// fresh, empty backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedstate/internal/clock"
	"fedstate/internal/federation"
	"fedstate/internal/store"
	"fedstate/internal/store/backend"
)

// Factory returns an empty backend. It should register cleanup with t.
type Factory func(t *testing.T) backend.Backend

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store *store.Store
	clock *clock.FakeClock
	ctx   context.Context
}

func newHarness(t *testing.T, f Factory) *harness {
	t.Helper()
	c := clock.Fake(epoch)
	s := store.New(f(t), store.WithClock(c))
	t.Cleanup(func() { _ = s.Close() })
	return &harness{store: s, clock: c, ctx: context.Background()}
}

// SubCluster builds a valid record with predictable endpoints.
func SubCluster(id string, state federation.SubClusterState) federation.SubClusterInfo {
	return federation.SubClusterInfo{
		ID:                     federation.SubClusterID(id),
		AMRMServiceAddress:     "1.2.3.4:1",
		ClientRMServiceAddress: "1.2.3.4:2",
		RMAdminServiceAddress:  "1.2.3.4:3",
		RMWebServiceAddress:    "1.2.3.4:4",
		State:                  state,
		LastHeartbeat:          epoch.Add(-time.Minute),
		Capability:             "capability",
	}
}

func home(ts int64, id int32, sc string) federation.ApplicationHomeSubCluster {
	return federation.ApplicationHomeSubCluster{
		ApplicationID:  federation.NewApplicationID(ts, id),
		HomeSubCluster: federation.SubClusterID(sc),
	}
}

// Run executes the whole suite.
func Run(t *testing.T, f Factory) {
	t.Run("Membership", func(t *testing.T) { runMembership(t, f) })
	t.Run("Homing", func(t *testing.T) { runHoming(t, f) })
	t.Run("Policy", func(t *testing.T) { runPolicy(t, f) })
	t.Run("Reaper", func(t *testing.T) { runReaper(t, f) })
	t.Run("Scenario", func(t *testing.T) { runScenario(t, f) })
}

// ──── membership ────

func runMembership(t *testing.T, f Factory) {
	t.Run("register then get returns the record", func(t *testing.T) {
		h := newHarness(t, f)
		info := SubCluster("SC", federation.StateNew)
		require.NoError(t, h.store.RegisterSubCluster(h.ctx, info))

		got, err := h.store.GetSubCluster(h.ctx, "SC")
		require.NoError(t, err)
		assert.True(t, info.Equal(got), "got %+v", got)
	})

	t.Run("fresh register forces NEW", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.RegisterSubCluster(h.ctx, SubCluster("SC", federation.StateRunning)))
		got, err := h.store.GetSubCluster(h.ctx, "SC")
		require.NoError(t, err)
		assert.Equal(t, federation.StateNew, got.State)
	})

	t.Run("re-register overwrites wholesale", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.RegisterSubCluster(h.ctx, SubCluster("SC", federation.StateNew)))

		again := SubCluster("SC", federation.StateRunning)
		again.AMRMServiceAddress = "5.6.7.8:1"
		again.Capability = "bigger"
		require.NoError(t, h.store.RegisterSubCluster(h.ctx, again))

		got, err := h.store.GetSubCluster(h.ctx, "SC")
		require.NoError(t, err)
		assert.True(t, again.Equal(got), "got %+v", got)
	})

	t.Run("get unknown is NotFound", func(t *testing.T) {
		h := newHarness(t, f)
		_, err := h.store.GetSubCluster(h.ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("heartbeat unknown is NotFound", func(t *testing.T) {
		h := newHarness(t, f)
		err := h.store.SubClusterHeartbeat(h.ctx, "SC", federation.StateRunning, "cap")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Equal(t, store.KindNotFound, store.KindOf(err))
	})

	t.Run("heartbeat updates state capability and time", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.RegisterSubCluster(h.ctx, SubCluster("SC", federation.StateNew)))

		h.clock.Advance(5 * time.Second)
		require.NoError(t, h.store.SubClusterHeartbeat(h.ctx, "SC", federation.StateRunning, "cap2"))

		got, err := h.store.GetSubCluster(h.ctx, "SC")
		require.NoError(t, err)
		assert.Equal(t, federation.StateRunning, got.State)
		assert.Equal(t, "cap2", got.Capability)
		assert.True(t, got.LastHeartbeat.Equal(epoch.Add(5*time.Second)), "heartbeat %s", got.LastHeartbeat)
	})

	t.Run("heartbeat always advances", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.RegisterSubCluster(h.ctx, SubCluster("SC", federation.StateNew)))

		var prev time.Time
		for i := 0; i < 3; i++ {
			// clock frozen on purpose
			require.NoError(t, h.store.SubClusterHeartbeat(h.ctx, "SC", federation.StateRunning, "cap"))
			got, err := h.store.GetSubCluster(h.ctx, "SC")
			require.NoError(t, err)
			assert.True(t, got.LastHeartbeat.After(prev), "iteration %d", i)
			prev = got.LastHeartbeat
		}
	})

	t.Run("concurrent heartbeats and registers all succeed", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.RegisterSubCluster(h.ctx, SubCluster("SC", federation.StateNew)))

		const writers = 24
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					err = h.store.SubClusterHeartbeat(h.ctx, "SC", federation.StateRunning, fmt.Sprintf("cap%d", i))
				} else {
					err = h.store.RegisterSubCluster(h.ctx, SubCluster("SC", federation.StateRunning))
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Empty(t, errs)
		got, err := h.store.GetSubCluster(h.ctx, "SC")
		require.NoError(t, err)
		assert.Equal(t, federation.StateRunning, got.State)
	})

	t.Run("deregister unknown is NotFound", func(t *testing.T) {
		h := newHarness(t, f)
		err := h.store.DeregisterSubCluster(h.ctx, "SC", federation.StateUnregistered)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("deregister only changes state", func(t *testing.T) {
		h := newHarness(t, f)
		info := SubCluster("SC", federation.StateNew)
		require.NoError(t, h.store.RegisterSubCluster(h.ctx, info))
		require.NoError(t, h.store.DeregisterSubCluster(h.ctx, "SC", federation.StateUnregistered))

		got, err := h.store.GetSubCluster(h.ctx, "SC")
		require.NoError(t, err)
		assert.Equal(t, federation.StateUnregistered, got.State)
		assert.Equal(t, info.Capability, got.Capability)
		assert.True(t, info.LastHeartbeat.Equal(got.LastHeartbeat))
	})

	t.Run("active only lists RUNNING", func(t *testing.T) {
		h := newHarness(t, f)
		states := map[string]federation.SubClusterState{
			"A": federation.StateRunning,
			"B": federation.StateUnhealthy,
			"C": federation.StateRunning,
			"D": federation.StateUnregistered,
			"E": federation.StateNew,
		}
		for id, st := range states {
			require.NoError(t, h.store.RegisterSubCluster(h.ctx, SubCluster(id, federation.StateNew)))
			if st != federation.StateNew {
				require.NoError(t, h.store.SubClusterHeartbeat(h.ctx, federation.SubClusterID(id), st, "cap"))
			}
		}

		all, err := h.store.GetSubClusters(h.ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID, "ordered by id")
		}

		active, err := h.store.GetSubClusters(h.ctx, true)
		require.NoError(t, err)
		var ids []federation.SubClusterID
		for _, info := range active {
			assert.Equal(t, federation.StateRunning, info.State)
			ids = append(ids, info.ID)
		}
		assert.Equal(t, []federation.SubClusterID{"A", "C"}, ids)
	})

	t.Run("invalid input is a failure", func(t *testing.T) {
		h := newHarness(t, f)
		bad := SubCluster("SC", federation.StateNew)
		bad.RMWebServiceAddress = ""
		err := h.store.RegisterSubCluster(h.ctx, bad)
		assert.ErrorIs(t, err, store.ErrFailure)
		assert.True(t, store.IsInvalid(err))

		require.NoError(t, h.store.RegisterSubCluster(h.ctx, SubCluster("SC", federation.StateNew)))
		err = h.store.SubClusterHeartbeat(h.ctx, "SC", "SLEEPING", "cap")
		assert.ErrorIs(t, err, store.ErrFailure)
		assert.True(t, store.IsInvalid(err))
	})
}

// ──── homing ────

func runHoming(t *testing.T, f Factory) {
	t.Run("add twice keeps the first mapping", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 1, "SC1")))

		err := h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 1, "SC2"))
		assert.ErrorIs(t, err, store.ErrAlreadyExists)
		assert.True(t, store.IsAlreadyExists(err))

		got, err := h.store.GetApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(1, 1))
		require.NoError(t, err)
		assert.Equal(t, federation.SubClusterID("SC1"), got.HomeSubCluster)
	})

	t.Run("update and delete unmapped are NotFound", func(t *testing.T) {
		h := newHarness(t, f)
		err := h.store.UpdateApplicationHomeSubCluster(h.ctx, home(1, 2, "SC1"))
		assert.ErrorIs(t, err, store.ErrNotFound)
		err = h.store.DeleteApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(1, 2))
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = h.store.GetApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(1, 2))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update changes only the target", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 1, "SC1")))
		require.NoError(t, h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 2, "SC1")))
		require.NoError(t, h.store.UpdateApplicationHomeSubCluster(h.ctx, home(1, 2, "SC2")))

		a, err := h.store.GetApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(1, 1))
		require.NoError(t, err)
		b, err := h.store.GetApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(1, 2))
		require.NoError(t, err)
		assert.Equal(t, federation.SubClusterID("SC1"), a.HomeSubCluster)
		assert.Equal(t, federation.SubClusterID("SC2"), b.HomeSubCluster)
	})

	t.Run("delete then get is NotFound", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 1, "SC1")))
		require.NoError(t, h.store.DeleteApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(1, 1)))
		_, err := h.store.GetApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(1, 1))
		assert.ErrorIs(t, err, store.ErrNotFound)

		// the id is free again
		require.NoError(t, h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 1, "SC3")))
	})

	t.Run("list matches replayed calls", func(t *testing.T) {
		h := newHarness(t, f)
		want := map[federation.ApplicationID]federation.SubClusterID{}
		for i := int32(1); i <= 6; i++ {
			hm := home(100, i, "SC1")
			require.NoError(t, h.store.AddApplicationHomeSubCluster(h.ctx, hm))
			want[hm.ApplicationID] = hm.HomeSubCluster
		}
		require.NoError(t, h.store.UpdateApplicationHomeSubCluster(h.ctx, home(100, 2, "SC2")))
		want[federation.NewApplicationID(100, 2)] = "SC2"
		require.NoError(t, h.store.DeleteApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(100, 5)))
		delete(want, federation.NewApplicationID(100, 5))

		all, err := h.store.GetApplicationsHomeSubCluster(h.ctx)
		require.NoError(t, err)
		got := map[federation.ApplicationID]federation.SubClusterID{}
		for _, hm := range all {
			got[hm.ApplicationID] = hm.HomeSubCluster
		}
		assert.Equal(t, want, got)
	})

	t.Run("concurrent add has exactly one winner", func(t *testing.T) {
		h := newHarness(t, f)
		const writers = 12
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			others  []error
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sc := fmt.Sprintf("SC%d", i)
				err := h.store.AddApplicationHomeSubCluster(h.ctx, home(7, 7, sc))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners = append(winners, sc)
				} else {
					others = append(others, err)
				}
			}(i)
		}
		wg.Wait()

		require.Len(t, winners, 1)
		for _, err := range others {
			assert.ErrorIs(t, err, store.ErrAlreadyExists)
		}
		got, err := h.store.GetApplicationHomeSubCluster(h.ctx, federation.NewApplicationID(7, 7))
		require.NoError(t, err)
		assert.Equal(t, federation.SubClusterID(winners[0]), got.HomeSubCluster)
	})

	t.Run("missing home is invalid", func(t *testing.T) {
		h := newHarness(t, f)
		err := h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 1, ""))
		assert.ErrorIs(t, err, store.ErrFailure)
		assert.True(t, store.IsInvalid(err))
	})
}

// ──── policy ────

func runPolicy(t *testing.T, f Factory) {
	t.Run("set is an upsert", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.SetPolicyConfiguration(h.ctx,
			federation.PolicyConfiguration{Queue: "Queue", Type: "PolicyType1", Params: []byte{1}}))
		require.NoError(t, h.store.SetPolicyConfiguration(h.ctx,
			federation.PolicyConfiguration{Queue: "Queue", Type: "PolicyType2", Params: []byte{2, 3}}))

		got, err := h.store.GetPolicyConfiguration(h.ctx, "Queue")
		require.NoError(t, err)
		assert.Equal(t, "PolicyType2", got.Type)
		assert.Equal(t, []byte{2, 3}, got.Params)
	})

	t.Run("get unknown is NotFound", func(t *testing.T) {
		h := newHarness(t, f)
		_, err := h.store.GetPolicyConfiguration(h.ctx, "Queue")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list returns every queue", func(t *testing.T) {
		h := newHarness(t, f)
		for _, q := range []string{"root.b", "root.a"} {
			require.NoError(t, h.store.SetPolicyConfiguration(h.ctx,
				federation.PolicyConfiguration{Queue: q, Type: "weighted", Params: []byte(q)}))
		}
		all, err := h.store.GetPoliciesConfigurations(h.ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "root.a", all[0].Queue)
		assert.Equal(t, "root.b", all[1].Queue)
	})

	t.Run("callers receive copies", func(t *testing.T) {
		h := newHarness(t, f)
		require.NoError(t, h.store.SetPolicyConfiguration(h.ctx,
			federation.PolicyConfiguration{Queue: "q", Type: "t", Params: []byte{9}}))
		got, err := h.store.GetPolicyConfiguration(h.ctx, "q")
		require.NoError(t, err)
		got.Params[0] = 0

		again, err := h.store.GetPolicyConfiguration(h.ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []byte{9}, again.Params)
	})
}

// ──── reaper ────

func runReaper(t *testing.T, f Factory) {
	h := newHarness(t, f)
	r := store.NewReaper(h.store, time.Minute, 0)

	require.NoError(t, h.store.RegisterSubCluster(h.ctx, SubCluster("stale", federation.StateNew)))
	require.NoError(t, h.store.SubClusterHeartbeat(h.ctx, "stale", federation.StateRunning, "cap"))
	fresh := SubCluster("fresh", federation.StateNew)
	require.NoError(t, h.store.RegisterSubCluster(h.ctx, fresh))
	gone := SubCluster("gone", federation.StateNew)
	require.NoError(t, h.store.RegisterSubCluster(h.ctx, gone))
	require.NoError(t, h.store.DeregisterSubCluster(h.ctx, "gone", federation.StateUnregistered))

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.store.SubClusterHeartbeat(h.ctx, "fresh", federation.StateRunning, "cap"))

	lost, err := r.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []federation.SubClusterID{"stale"}, lost)

	got, err := h.store.GetSubCluster(h.ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, federation.StateLost, got.State)
	got, err = h.store.GetSubCluster(h.ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, federation.StateUnregistered, got.State)

	// a lost sub-cluster comes back with its next heartbeat
	require.NoError(t, h.store.SubClusterHeartbeat(h.ctx, "stale", federation.StateRunning, "cap"))
	lost, err = r.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, lost)
}

// ──── scenario ────

func runScenario(t *testing.T, f Factory) {
	h := newHarness(t, f)

	info := SubCluster("SC", federation.StateNew)
	require.NoError(t, h.store.RegisterSubCluster(h.ctx, info))
	got, err := h.store.GetSubCluster(h.ctx, "SC")
	require.NoError(t, err)
	assert.True(t, info.Equal(got))

	app := federation.NewApplicationID(1, 1)
	require.NoError(t, h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 1, "SC1")))
	err = h.store.AddApplicationHomeSubCluster(h.ctx, home(1, 1, "SC2"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
	mapped, err := h.store.GetApplicationHomeSubCluster(h.ctx, app)
	require.NoError(t, err)
	assert.Equal(t, federation.SubClusterID("SC1"), mapped.HomeSubCluster)

	params := make([]byte, 1)
	require.NoError(t, h.store.SetPolicyConfiguration(h.ctx,
		federation.PolicyConfiguration{Queue: "Queue", Type: "PolicyType1", Params: params}))
	require.NoError(t, h.store.SetPolicyConfiguration(h.ctx,
		federation.PolicyConfiguration{Queue: "Queue", Type: "PolicyType2", Params: params}))
	p, err := h.store.GetPolicyConfiguration(h.ctx, "Queue")
	require.NoError(t, err)
	assert.Equal(t, "PolicyType2", p.Type)

	err = h.store.UpdateApplicationHomeSubCluster(h.ctx, home(1, 2, "SC1"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
