package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedstate/internal/store/backend"
	"fedstate/internal/store/sqlitestore"
	"fedstate/internal/store/storetest"
)

func openTemp(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(sqlitestore.Config{
		Path:     filepath.Join(t.TempDir(), "fedstate.db"),
		PoolSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) backend.Backend { return openTemp(t) })
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fedstate.db")

	s, err := sqlitestore.Open(sqlitestore.Config{Path: path, PoolSize: 2})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, backend.TableApplications, "application_1_0001", []byte{0x00, 0xff}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	s, err = sqlitestore.Open(sqlitestore.Config{Path: path, PoolSize: 2})
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, backend.TableApplications, "application_1_0001")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, v)
}

func TestTablesAreSeparate(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Create(ctx, backend.TablePolicies, "k", []byte("p")))
	require.NoError(t, s.Create(ctx, backend.TableSubClusters, "k", []byte("s")))

	recs, err := s.List(ctx, backend.TablePolicies)
	require.NoError(t, err)
	assert.Equal(t, []backend.Record{{Key: "k", Value: []byte("p")}}, recs)

	require.NoError(t, s.Delete(ctx, backend.TablePolicies, "k"))
	assert.ErrorIs(t, s.Delete(ctx, backend.TablePolicies, "k"), backend.ErrNoRecord)
	_, err = s.Get(ctx, backend.TableSubClusters, "k")
	assert.NoError(t, err)
}

func TestMutateErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Create(ctx, backend.TablePolicies, "k", []byte("v1")))

	boom := assert.AnError
	err := s.Update(ctx, backend.TablePolicies, "k", func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	v, err := s.Get(ctx, backend.TablePolicies, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlitestore.Open(sqlitestore.Config{})
	assert.Error(t, err)
}
