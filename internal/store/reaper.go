package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedstate/internal/federation"
	"fedstate/internal/store/backend"
)

// errFresh aborts markLost when the record no longer qualifies.
var errFresh = errors.New("store: sub-cluster heartbeat is fresh")

// Reaper marks sub-clusters that stopped heartbeating as LOST. It only
// touches live states (NEW, RUNNING, UNHEALTHY). A record that never
// heartbeated is timed from the first sweep that saw it.
//
// In raft mode the server starts the reaper on the leader only.
type Reaper struct {
	store    *Store
	timeout  time.Duration
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	onLost  func(ids ...federation.SubClusterID)

	seenMu sync.Mutex
	// id -> first time seen without a heartbeat
	firstSeen map[federation.SubClusterID]time.Time
}

// NewReaper creates a stopped reaper. interval defaults to timeout/2.
func NewReaper(s *Store, timeout, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = timeout / 2
	}
	return &Reaper{
		store:     s,
		timeout:   timeout,
		interval:  interval,
		firstSeen: make(map[federation.SubClusterID]time.Time),
	}
}

// OnLost sets fn to be called after each sweep that marked sub-clusters
// LOST. Set it before Start.
func (r *Reaper) OnLost(fn func(ids ...federation.SubClusterID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLost = fn
}

// Start launches the sweep loop if it is not running.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.running = true
	go r.loop(r.stopCh, r.doneCh)
	r.store.log.Info("heartbeat reaper started", zap.Duration("timeout", r.timeout))
}

// Stop halts the loop and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	done := r.doneCh
	r.running = false
	r.mu.Unlock()
	<-done
	r.store.log.Info("heartbeat reaper stopped")
}

// Running reports whether the loop is active.
func (r *Reaper) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := r.store.clock.NewTicker(r.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.store.log.Warn("heartbeat sweep failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// Sweep runs one pass and returns the ids marked LOST.
func (r *Reaper) Sweep(ctx context.Context) ([]federation.SubClusterID, error) {
	infos, err := r.store.GetSubClusters(ctx, false)
	if err != nil {
		return nil, err
	}
	now := r.store.clock.Now()
	deadline := now.Add(-r.timeout)

	type candidate struct {
		info     federation.SubClusterInfo
		fallback time.Time
	}
	var stale []candidate

	r.seenMu.Lock()
	seen := make(map[federation.SubClusterID]bool, len(infos))
	for _, info := range infos {
		if !info.State.Live() {
			continue
		}
		last := info.LastHeartbeat
		var fallback time.Time
		if last.IsZero() {
			seen[info.ID] = true
			first, ok := r.firstSeen[info.ID]
			if !ok {
				r.firstSeen[info.ID] = now
				continue
			}
			last, fallback = first, first
		}
		if last.Before(deadline) {
			stale = append(stale, candidate{info: info, fallback: fallback})
		}
	}
	for id := range r.firstSeen {
		if !seen[id] {
			delete(r.firstSeen, id)
		}
	}
	r.seenMu.Unlock()

	var lost []federation.SubClusterID
	defer func() {
		r.mu.Lock()
		fn := r.onLost
		r.mu.Unlock()
		if fn != nil && len(lost) > 0 {
			fn(lost...)
		}
	}()
	for _, c := range stale {
		ok, err := r.store.markLost(ctx, c.info.ID, deadline, c.fallback)
		if err != nil {
			return lost, err
		}
		if ok {
			lost = append(lost, c.info.ID)
			r.store.metrics.SubClusterLost()
			r.store.log.Info("sub-cluster marked lost",
				zap.String("subcluster", string(c.info.ID)),
				zap.Time("last_heartbeat", c.info.LastHeartbeat))
		}
	}
	return lost, nil
}

// markLost sets LOST only if the record is still live and stale, checked
// atomically with the write. fallback stands in for a zero heartbeat.
func (s *Store) markLost(ctx context.Context, id federation.SubClusterID, deadline, fallback time.Time) (bool, error) {
	const op = "mark_lost"
	start := time.Now()
	key := string(id)

	err := s.backend.Update(ctx, backend.TableSubClusters, key, func(current []byte) ([]byte, error) {
		info, err := decodeSubCluster(current)
		if err != nil {
			return nil, err
		}
		last := info.LastHeartbeat
		if last.IsZero() {
			last = fallback
		}
		if !info.State.Live() || !last.Before(deadline) {
			return nil, errFresh
		}
		info.State = federation.StateLost
		return encodeSubCluster(info)
	})
	switch {
	case errors.Is(err, errFresh), errors.Is(err, backend.ErrNoRecord):
		return false, nil
	case err != nil:
		return false, s.observe(backend.TableSubClusters, op, key, start, err)
	}
	return true, s.observe(backend.TableSubClusters, op, key, start, nil)
}
