package federation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplicationIDString(t *testing.T) {
	assert.Equal(t, "application_1_0001", NewApplicationID(1, 1).String())
	assert.Equal(t, "application_1700000000000_12345", NewApplicationID(1700000000000, 12345).String())
}

func TestParseApplicationID(t *testing.T) {
	id, err := ParseApplicationID("application_1700000000000_0042")
	require.NoError(t, err)
	assert.Equal(t, NewApplicationID(1700000000000, 42), id)

	for _, bad := range []string{"", "app_1_1", "application_1", "application_x_1", "application_1_y"} {
		_, err := ParseApplicationID(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}
}

func TestApplicationHomeJSON(t *testing.T) {
	in := ApplicationHomeSubCluster{ApplicationID: NewApplicationID(7, 3), HomeSubCluster: "SC1"}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"applicationId":"application_7_0003","homeSubCluster":"SC1"}`, string(b))

	var out ApplicationHomeSubCluster
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestParseSubClusterState(t *testing.T) {
	cases := map[string]SubClusterState{
		"RUNNING":         StateRunning,
		"running":         StateRunning,
		"SC_UNREGISTERED": StateUnregistered,
		" lost ":          StateLost,
	}
	for in, want := range cases {
		got, err := ParseSubClusterState(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseSubClusterState("SLEEPING")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestSubClusterStateActive(t *testing.T) {
	assert.True(t, StateRunning.Active())
	assert.False(t, StateNew.Active())
	assert.False(t, StateUnhealthy.Active())
	assert.False(t, StateLost.Active())
	assert.False(t, StateUnregistered.Active())
	assert.False(t, StateDecommissioned.Active())

	assert.True(t, StateNew.Live())
	assert.True(t, StateUnhealthy.Live())
	assert.False(t, StateDecommissioning.Live())
}

func TestSubClusterInfoValidate(t *testing.T) {
	ok := SubClusterInfo{
		ID:                     "SC",
		AMRMServiceAddress:     "1.2.3.4:1",
		ClientRMServiceAddress: "1.2.3.4:2",
		RMAdminServiceAddress:  "1.2.3.4:3",
		RMWebServiceAddress:    "1.2.3.4:4",
		State:                  StateNew,
	}
	assert.NoError(t, ok.Validate())

	noID := ok
	noID.ID = ""
	assert.ErrorIs(t, noID.Validate(), ErrInvalid)

	noWeb := ok
	noWeb.RMWebServiceAddress = ""
	assert.ErrorIs(t, noWeb.Validate(), ErrInvalid)

	badState := ok
	badState.State = "ASLEEP"
	assert.ErrorIs(t, badState.Validate(), ErrInvalid)
}

func TestSubClusterInfoEqualIgnoresLocation(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := SubClusterInfo{ID: "SC", LastHeartbeat: ts}
	b := SubClusterInfo{ID: "SC", LastHeartbeat: ts.In(time.FixedZone("X", 3600))}
	assert.True(t, a.Equal(b))
	b.Capability = "other"
	assert.False(t, a.Equal(b))
}

func TestPolicyValidateAndEqual(t *testing.T) {
	p := PolicyConfiguration{Queue: "root.a", Type: "weighted", Params: []byte{1}}
	assert.NoError(t, p.Validate())
	assert.ErrorIs(t, PolicyConfiguration{Type: "x"}.Validate(), ErrInvalid)
	assert.ErrorIs(t, PolicyConfiguration{Queue: "q"}.Validate(), ErrInvalid)

	assert.True(t, PolicyConfiguration{Queue: "q", Type: "t"}.Equal(PolicyConfiguration{Queue: "q", Type: "t", Params: []byte{}}))
	assert.False(t, p.Equal(PolicyConfiguration{Queue: "root.a", Type: "weighted", Params: []byte{2}}))
}
