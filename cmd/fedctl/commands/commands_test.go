package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedstate/internal/api"
	"fedstate/internal/federation"
	"fedstate/internal/store"
	"fedstate/internal/store/memory"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func setup(t *testing.T) (*store.Store, string) {
	t.Helper()
	s := store.New(memory.New())
	t.Cleanup(func() { _ = s.Close() })
	srv := httptest.NewServer((&api.HTTPServer{Store: s}).Handler())
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func register(t *testing.T, s *store.Store, id string) {
	t.Helper()
	require.NoError(t, s.RegisterSubCluster(context.Background(), federation.SubClusterInfo{
		ID:                     federation.SubClusterID(id),
		AMRMServiceAddress:     "10.0.0.1:8030",
		ClientRMServiceAddress: "10.0.0.1:8032",
		RMAdminServiceAddress:  "10.0.0.1:8033",
		RMWebServiceAddress:    "10.0.0.1:8088",
		Capability:             "vcores=64",
	}))
}

func TestSubClusters(t *testing.T) {
	s, url := setup(t)
	ctx := context.Background()
	register(t, s, "sc1")
	register(t, s, "sc2")
	require.NoError(t, s.SubClusterHeartbeat(ctx, "sc2", federation.StateRunning, "vcores=64"))

	out, err := run(t, url, "subclusters", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sc1")
	assert.Contains(t, out, "sc2")
	assert.Contains(t, out, "NEW")

	out, err = run(t, url, "subclusters", "list", "--active", "-o", "json")
	require.NoError(t, err)
	var infos []federation.SubClusterInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, federation.SubClusterID("sc2"), infos[0].ID)

	out, err = run(t, url, "sc", "get", "sc1")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.1:8030")

	out, err = run(t, url, "subclusters", "deregister", "sc1", "--state", "unregistered")
	require.NoError(t, err)
	assert.Contains(t, out, "sc1 is now UNREGISTERED")

	info, err := s.GetSubCluster(ctx, "sc1")
	require.NoError(t, err)
	assert.Equal(t, federation.StateUnregistered, info.State)
}

func TestSubClustersErrors(t *testing.T) {
	_, url := setup(t)

	_, err := run(t, url, "subclusters", "get", "missing")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))

	_, err = run(t, url, "subclusters", "deregister", "missing", "--state", "bogus")
	require.Error(t, err)
	assert.ErrorIs(t, err, federation.ErrInvalid)
}

func TestApps(t *testing.T) {
	s, url := setup(t)
	ctx := context.Background()
	app := federation.NewApplicationID(1700000000000, 1)

	out, err := run(t, url, "apps", "add", app.String(), "sc1")
	require.NoError(t, err)
	assert.Contains(t, out, "homed in sc1")

	_, err = run(t, url, "apps", "add", app.String(), "sc2")
	require.Error(t, err)
	assert.True(t, store.IsAlreadyExists(err))

	_, err = run(t, url, "apps", "update", app.String(), "sc2")
	require.NoError(t, err)
	home, err := s.GetApplicationHomeSubCluster(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, federation.SubClusterID("sc2"), home.HomeSubCluster)

	out, err = run(t, url, "apps", "list")
	require.NoError(t, err)
	assert.Contains(t, out, app.String())
	assert.Contains(t, out, "sc2")

	out, err = run(t, url, "apps", "get", app.String(), "-o", "json")
	require.NoError(t, err)
	var got federation.ApplicationHomeSubCluster
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, app, got.ApplicationID)

	_, err = run(t, url, "apps", "delete", app.String())
	require.NoError(t, err)
	_, err = run(t, url, "apps", "delete", app.String())
	assert.True(t, store.IsNotFound(err))

	_, err = run(t, url, "apps", "get", "not-an-app")
	assert.ErrorIs(t, err, federation.ErrInvalid)
}

func TestPolicies(t *testing.T) {
	s, url := setup(t)
	ctx := context.Background()

	out, err := run(t, url, "policies", "set", "root.a", "weighted", "--params", "sc1=0.7,sc2=0.3")
	require.NoError(t, err)
	assert.Contains(t, out, "policy of root.a set to weighted")

	p, err := s.GetPolicyConfiguration(ctx, "root.a")
	require.NoError(t, err)
	assert.Equal(t, []byte("sc1=0.7,sc2=0.3"), p.Params)

	file := t.TempDir() + "/params.bin"
	require.NoError(t, os.WriteFile(file, []byte{0x01, 0x02}, 0o600))
	_, err = run(t, url, "policies", "set", "root.a", "uniform", "--params-file", file)
	require.NoError(t, err)

	out, err = run(t, url, "policies", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "root.a")
	assert.Contains(t, out, "uniform")
	assert.Contains(t, out, "2 bytes")

	_, err = run(t, url, "policies", "get", "root.b")
	assert.True(t, store.IsNotFound(err))
}

func TestClusterHealth(t *testing.T) {
	_, url := setup(t)

	out, err := run(t, url, "cluster", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "is ok")

	_, err = run(t, url, "cluster", "join", "n2", "127.0.0.1:9702")
	require.Error(t, err)
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, &store.Error{Kind: store.KindNotFound, Op: "get_subcluster", Key: "sc9"})
	assert.Contains(t, buf.String(), "not found:")
}
