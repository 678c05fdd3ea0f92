package redisstore_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"fedstate/internal/store/backend"
	"fedstate/internal/store/redisstore"
	"fedstate/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) backend.Backend {
		mr := miniredis.NewMiniRedis()
		require.NoError(t, mr.Start())
		t.Cleanup(mr.Close)

		s, err := redisstore.Open(redisstore.Config{Addr: mr.Addr()})
		require.NoError(t, err)
		return s
	})
}
