package store

import (
	"context"
	"fmt"
	"time"

	"fedstate/internal/federation"
	"fedstate/internal/store/backend"
)

// ==== membership registry ====

// RegisterSubCluster inserts or overwrites the record of info.ID. A fresh
// insert always starts in NEW; an overwrite keeps the caller's state.
// Never reports a conflict.
func (s *Store) RegisterSubCluster(ctx context.Context, info federation.SubClusterInfo) error {
	const op = "register_subcluster"
	start := time.Now()
	key := string(info.ID)
	if err := info.Validate(); err != nil {
		return s.observe(backend.TableSubClusters, op, key, start, invalid(op, key, err))
	}

	err := s.backend.Upsert(ctx, backend.TableSubClusters, key, func(current []byte) ([]byte, error) {
		rec := info
		if current == nil || rec.State == "" {
			rec.State = federation.StateNew
		}
		return encodeSubCluster(rec)
	})
	return s.observe(backend.TableSubClusters, op, key, start, err)
}

// SubClusterHeartbeat sets state and capability and stamps LastHeartbeat
// with the store clock. The timestamp strictly increases per record even
// if the clock does not.
func (s *Store) SubClusterHeartbeat(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState, capability string) error {
	const op = "subcluster_heartbeat"
	start := time.Now()
	key := string(id)
	if err := validateTransition(id, state); err != nil {
		return s.observe(backend.TableSubClusters, op, key, start, invalid(op, key, err))
	}

	now := s.clock.Now()
	err := s.backend.Update(ctx, backend.TableSubClusters, key, func(current []byte) ([]byte, error) {
		info, err := decodeSubCluster(current)
		if err != nil {
			return nil, err
		}
		info.State = state
		info.Capability = capability
		if now.After(info.LastHeartbeat) {
			info.LastHeartbeat = now
		} else {
			info.LastHeartbeat = info.LastHeartbeat.Add(time.Nanosecond)
		}
		return encodeSubCluster(info)
	})
	return s.observe(backend.TableSubClusters, op, key, start, err)
}

// DeregisterSubCluster moves the sub-cluster to a terminal state. The
// record stays; capability and heartbeat are untouched.
func (s *Store) DeregisterSubCluster(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState) error {
	const op = "deregister_subcluster"
	start := time.Now()
	key := string(id)
	if err := validateTransition(id, state); err != nil {
		return s.observe(backend.TableSubClusters, op, key, start, invalid(op, key, err))
	}

	err := s.backend.Update(ctx, backend.TableSubClusters, key, func(current []byte) ([]byte, error) {
		info, err := decodeSubCluster(current)
		if err != nil {
			return nil, err
		}
		info.State = state
		return encodeSubCluster(info)
	})
	return s.observe(backend.TableSubClusters, op, key, start, err)
}

// GetSubCluster returns the current record of id.
func (s *Store) GetSubCluster(ctx context.Context, id federation.SubClusterID) (federation.SubClusterInfo, error) {
	const op = "get_subcluster"
	start := time.Now()
	key := string(id)

	raw, err := s.backend.Get(ctx, backend.TableSubClusters, key)
	if err != nil {
		return federation.SubClusterInfo{}, s.observe(backend.TableSubClusters, op, key, start, err)
	}
	info, err := decodeSubCluster(raw)
	if err != nil {
		return federation.SubClusterInfo{}, s.observe(backend.TableSubClusters, op, key, start, err)
	}
	return info, s.observe(backend.TableSubClusters, op, key, start, nil)
}

// GetSubClusters lists every sub-cluster ordered by id, or only the
// RUNNING ones when activeOnly is set.
func (s *Store) GetSubClusters(ctx context.Context, activeOnly bool) ([]federation.SubClusterInfo, error) {
	const op = "get_subclusters"
	start := time.Now()

	recs, err := s.backend.List(ctx, backend.TableSubClusters)
	if err != nil {
		return nil, s.observe(backend.TableSubClusters, op, "", start, err)
	}
	out := make([]federation.SubClusterInfo, 0, len(recs))
	for _, r := range recs {
		info, err := decodeSubCluster(r.Value)
		if err != nil {
			return nil, s.observe(backend.TableSubClusters, op, r.Key, start, err)
		}
		if activeOnly && !info.State.Active() {
			continue
		}
		out = append(out, info)
	}
	return out, s.observe(backend.TableSubClusters, op, "", start, nil)
}

func validateTransition(id federation.SubClusterID, state federation.SubClusterState) error {
	if id == "" {
		return fmt.Errorf("%w: missing sub-cluster id", federation.ErrInvalid)
	}
	if !state.Valid() {
		return fmt.Errorf("%w: sub-cluster %s: unknown state %q", federation.ErrInvalid, id, state)
	}
	return nil
}
