// Package cache is the router side read cache over the federation store.
// Sub-cluster and policy reads are served from a TTL cache and
// concurrent misses for the same key share one store call. Homing
// lookups always go to the store.
package cache

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"fedstate/internal/federation"
	"fedstate/internal/metrics"
	"fedstate/internal/store"
)

const (
	kindSubCluster  = "subcluster"
	kindSubClusters = "subclusters"
	kindPolicy      = "policy"
	kindPolicies    = "policies"
)

// Store wraps a *store.Store. Methods that are not overridden here pass
// straight through. Writes made through Store invalidate the entries
// they affect; writes made elsewhere (another router) become visible once
// the TTL expires.
type Store struct {
	*store.Store

	ttl     time.Duration
	c       *gocache.Cache
	sf      singleflight.Group
	metrics *metrics.Metrics

	// bumped on every invalidation so that a load started before a
	// write does not repopulate the cache with the old value
	scGen  atomic.Uint64
	polGen atomic.Uint64
}

// New wraps s. ttl <= 0 disables caching.
func New(s *store.Store, ttl time.Duration, m *metrics.Metrics) *Store {
	cs := &Store{Store: s, ttl: ttl, metrics: m}
	if ttl > 0 {
		cs.c = gocache.New(ttl, 2*ttl)
	}
	return cs
}

// Enabled reports whether reads are cached.
func (s *Store) Enabled() bool { return s.c != nil }

// ForgetSubClusters drops the entries of ids and the sub-cluster lists.
// The server calls it for writes that bypass the cache, such as the
// reaper marking sub-clusters LOST.
func (s *Store) ForgetSubClusters(ids ...federation.SubClusterID) {
	for _, id := range ids {
		s.invalidateSubCluster(id)
	}
}

// ---- sub-clusters ----

func (s *Store) GetSubCluster(ctx context.Context, id federation.SubClusterID) (federation.SubClusterInfo, error) {
	if s.c == nil {
		return s.Store.GetSubCluster(ctx, id)
	}
	v, err := load(s, &s.scGen, kindSubCluster, "sc:"+string(id), func() (federation.SubClusterInfo, error) {
		return s.Store.GetSubCluster(ctx, id)
	})
	return v, err
}

func (s *Store) GetSubClusters(ctx context.Context, activeOnly bool) ([]federation.SubClusterInfo, error) {
	if s.c == nil {
		return s.Store.GetSubClusters(ctx, activeOnly)
	}
	key := "scs:all"
	if activeOnly {
		key = "scs:active"
	}
	v, err := load(s, &s.scGen, kindSubClusters, key, func() ([]federation.SubClusterInfo, error) {
		return s.Store.GetSubClusters(ctx, activeOnly)
	})
	if err != nil {
		return nil, err
	}
	return append([]federation.SubClusterInfo(nil), v...), nil
}

func (s *Store) RegisterSubCluster(ctx context.Context, info federation.SubClusterInfo) error {
	defer s.invalidateSubCluster(info.ID)
	return s.Store.RegisterSubCluster(ctx, info)
}

func (s *Store) SubClusterHeartbeat(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState, capability string) error {
	defer s.invalidateSubCluster(id)
	return s.Store.SubClusterHeartbeat(ctx, id, state, capability)
}

func (s *Store) DeregisterSubCluster(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState) error {
	defer s.invalidateSubCluster(id)
	return s.Store.DeregisterSubCluster(ctx, id, state)
}

func (s *Store) invalidateSubCluster(id federation.SubClusterID) {
	if s.c == nil {
		return
	}
	s.scGen.Add(1)
	s.c.Delete("sc:" + string(id))
	s.c.Delete("scs:all")
	s.c.Delete("scs:active")
}

// ---- policies ----

func (s *Store) GetPolicyConfiguration(ctx context.Context, queue string) (federation.PolicyConfiguration, error) {
	if s.c == nil {
		return s.Store.GetPolicyConfiguration(ctx, queue)
	}
	v, err := load(s, &s.polGen, kindPolicy, "pol:"+queue, func() (federation.PolicyConfiguration, error) {
		return s.Store.GetPolicyConfiguration(ctx, queue)
	})
	if err != nil {
		return federation.PolicyConfiguration{}, err
	}
	return clonePolicy(v), nil
}

func (s *Store) GetPoliciesConfigurations(ctx context.Context) ([]federation.PolicyConfiguration, error) {
	if s.c == nil {
		return s.Store.GetPoliciesConfigurations(ctx)
	}
	v, err := load(s, &s.polGen, kindPolicies, "pols", func() ([]federation.PolicyConfiguration, error) {
		return s.Store.GetPoliciesConfigurations(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]federation.PolicyConfiguration, len(v))
	for i, p := range v {
		out[i] = clonePolicy(p)
	}
	return out, nil
}

func (s *Store) SetPolicyConfiguration(ctx context.Context, p federation.PolicyConfiguration) error {
	defer s.invalidatePolicy(p.Queue)
	return s.Store.SetPolicyConfiguration(ctx, clonePolicy(p))
}

func (s *Store) invalidatePolicy(queue string) {
	if s.c == nil {
		return
	}
	s.polGen.Add(1)
	s.c.Delete("pol:" + queue)
	s.c.Delete("pols")
}

// load returns the cached value for key or fetches it once for all
// concurrent callers. Errors are never cached.
func load[T any](s *Store, gen *atomic.Uint64, kind, key string, fetch func() (T, error)) (T, error) {
	if v, ok := s.c.Get(key); ok {
		s.metrics.CacheHit(kind)
		return v.(T), nil
	}
	s.metrics.CacheMiss(kind)

	// a load that started before the last write must not be shared with
	// callers that arrive after it
	before := gen.Load()
	v, err, _ := s.sf.Do(key+"@"+strconv.FormatUint(before, 10), func() (any, error) {
		val, err := fetch()
		if err != nil {
			return nil, err
		}
		if gen.Load() == before {
			s.c.Set(key, val, gocache.DefaultExpiration)
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func clonePolicy(p federation.PolicyConfiguration) federation.PolicyConfiguration {
	if p.Params != nil {
		p.Params = append([]byte(nil), p.Params...)
	}
	return p
}
