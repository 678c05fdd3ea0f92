// Package raftstore replicates the store through hashicorp/raft. Writes
// are committed to the raft log and applied to an in-memory state
// machine on every node; reads are served from the local state machine.
//
// Only the leader accepts writes, and only after its state machine has
// applied every entry committed before the election. Read-modify-write
// operations are computed on the leader under a per-key lock and
// committed as compare-on-index commands, so a stale computation is
// rejected by the state machine instead of overwriting a newer value.
package raftstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	hraft "github.com/hashicorp/raft"
	"go.uber.org/zap"

	"fedstate/internal/metrics"
	"fedstate/internal/store/backend"
	"fedstate/internal/store/memory"
)

// ErrNotLeader is returned for writes and joins on a follower.
var ErrNotLeader = errors.New("raftstore: not the leader")

// Config configures one raft node.
type Config struct {
	NodeID        string `yaml:"node_id"`
	BindAddr      string `yaml:"bind_addr"`
	AdvertiseAddr string `yaml:"advertise_addr"`
	DataDir       string `yaml:"data_dir"`
	// Bootstrap makes this node form a single-node cluster on first start.
	Bootstrap bool `yaml:"bootstrap"`
	// InMemory keeps log, stable store and snapshots in memory and uses
	// the in-process transport. For development and tests.
	InMemory       bool          `yaml:"in_memory"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
	SnapshotRetain int           `yaml:"snapshot_retain"`
}

func (c Config) advertise() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.BindAddr
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("raftstore: node_id is required")
	}
	if !c.InMemory {
		if c.BindAddr == "" {
			return errors.New("raftstore: bind_addr is required")
		}
		if c.DataDir == "" {
			return errors.New("raftstore: data_dir is required")
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
}

// Option customizes Open.
type Option func(*Store)

// WithLogger sets the logger; raft's own logs are routed through it too.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// WithMetrics records apply latency and leadership changes.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithLeadershipObserver registers fn before the node starts, so the
// first election is not missed. fn(true) runs once the new leader has
// caught up and accepts writes.
func WithLeadershipObserver(fn func(isLeader bool)) Option {
	return func(s *Store) { s.observers = append(s.observers, fn) }
}

const lockStripes = 64

// Store is a backend.Backend replicated through raft.
type Store struct {
	node         *raftNode
	mem          *memory.Store
	applyTimeout time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics

	locks [lockStripes]sync.Mutex

	// set once a barrier has been applied in the current term
	ready atomic.Bool

	// called from the watcher goroutine on every transition; fixed at Open
	observers []func(isLeader bool)

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ backend.Backend = (*Store)(nil)

// Open starts the raft node described by cfg.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	s := &Store{
		mem:          memory.New(),
		applyTimeout: cfg.ApplyTimeout,
		log:          zap.NewNop(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("raft").With(zap.String("node", cfg.NodeID))

	node, err := setupRaft(cfg, newFSM(s.mem), newHCLogger(s.log))
	if err != nil {
		_ = s.mem.Close()
		return nil, fmt.Errorf("raftstore: setup: %w", err)
	}
	s.node = node
	go s.watchLeadership(node.raft.LeaderCh())
	return s, nil
}

// ============================================================================
// leadership
// ============================================================================

func (s *Store) watchLeadership(ch <-chan bool) {
	for {
		select {
		case isLeader := <-ch:
			if isLeader {
				isLeader = s.catchUp()
			} else {
				s.ready.Store(false)
			}
			s.log.Info("leadership changed", zap.Bool("leader", isLeader))
			s.metrics.SetLeader(isLeader)
			for _, fn := range s.observers {
				fn(isLeader)
			}
		case <-s.done:
			return
		}
	}
}

// catchUp waits until the local state machine has applied everything
// committed before this node became leader. It reports false when
// leadership is lost or the store closes first.
func (s *Store) catchUp() bool {
	for s.node.raft.State() == hraft.Leader {
		err := s.node.raft.Barrier(s.applyTimeout).Error()
		if err == nil {
			s.ready.Store(true)
			return true
		}
		s.log.Warn("leader barrier failed", zap.Error(err))
		select {
		case <-s.done:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false
}

// IsLeader reports whether this node leads the cluster and accepts
// writes.
func (s *Store) IsLeader() bool {
	return s.ready.Load() && s.node.raft.State() == hraft.Leader
}

// Leader returns the leader's raft address, empty when unknown.
func (s *Store) Leader() string {
	addr, _ := s.node.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader blocks until the cluster has a leader or ctx ends. When
// that leader is this node it also waits until writes are accepted.
func (s *Store) WaitForLeader(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if s.Leader() != "" && (s.node.raft.State() != hraft.Leader || s.ready.Load()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Join adds a voter. Must be called on the leader; joining a node that is
// already a member is a no-op.
func (s *Store) Join(nodeID, addr string) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	cfgFuture := s.node.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == hraft.ServerID(nodeID) || srv.Address == hraft.ServerAddress(addr) {
			return nil
		}
	}
	if err := s.node.raft.AddVoter(hraft.ServerID(nodeID), hraft.ServerAddress(addr), 0, 0).Error(); err != nil {
		return fmt.Errorf("raftstore: add voter %s: %w", nodeID, err)
	}
	s.log.Info("voter joined", zap.String("id", nodeID), zap.String("addr", addr))
	return nil
}

// ============================================================================
// reads: served from the local state machine
// ============================================================================

func (s *Store) Get(ctx context.Context, table backend.Table, key string) ([]byte, error) {
	return s.mem.Get(ctx, table, key)
}

func (s *Store) List(ctx context.Context, table backend.Table) ([]backend.Record, error) {
	return s.mem.List(ctx, table)
}

// ============================================================================
// writes: committed through raft
// ============================================================================

func (s *Store) Create(ctx context.Context, table backend.Table, key string, value []byte) error {
	cmd, err := buildCreateCommand(table, key, value)
	if err != nil {
		return err
	}
	unlock := s.lock(table, key)
	defer unlock()
	_, err = s.apply(ctx, cmd)
	return err
}

func (s *Store) Upsert(ctx context.Context, table backend.Table, key string, fn backend.MutateFunc) error {
	return s.mutate(ctx, table, key, fn, true)
}

func (s *Store) Update(ctx context.Context, table backend.Table, key string, fn backend.MutateFunc) error {
	return s.mutate(ctx, table, key, fn, false)
}

func (s *Store) mutate(ctx context.Context, table backend.Table, key string, fn backend.MutateFunc, allowCreate bool) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	unlock := s.lock(table, key)
	defer unlock()

	current, index, err := s.mem.Lookup(table, key)
	switch {
	case errors.Is(err, backend.ErrNoRecord):
		if !allowCreate {
			return err
		}
		current, index = nil, 0
	case err != nil:
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	cmd, err := buildPutCommand(table, key, next, index)
	if err != nil {
		return err
	}
	_, err = s.apply(ctx, cmd)
	return err
}

func (s *Store) Delete(ctx context.Context, table backend.Table, key string) error {
	cmd, err := buildDeleteCommand(table, key)
	if err != nil {
		return err
	}
	unlock := s.lock(table, key)
	defer unlock()
	_, err = s.apply(ctx, cmd)
	return err
}

// apply submits cmd and waits for the FSM response.
func (s *Store) apply(ctx context.Context, cmd []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !s.IsLeader() {
		return 0, ErrNotLeader
	}
	start := time.Now()
	future := s.node.raft.Apply(cmd, s.applyTimeout)
	err := future.Error()
	s.metrics.ObserveRaftApply(time.Since(start))
	if err != nil {
		if errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost) {
			return 0, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return 0, fmt.Errorf("raftstore: apply: %w", err)
	}
	resp, ok := future.Response().([]byte)
	if !ok {
		return 0, errString("raftstore: invalid response type from raft")
	}
	return parseResponse(resp)
}

func (s *Store) lock(table backend.Table, key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(table))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// ============================================================================
// lifecycle
// ============================================================================

// Ping fails once raft has shut down. A node without a leader still
// answers: it may be waiting to be joined.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.mem.Ping(ctx); err != nil {
		return err
	}
	if s.node.raft.State() == hraft.Shutdown {
		return backend.ErrClosed
	}
	return nil
}

// Close shuts raft down and releases the stores.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.node.close()
		if err := s.mem.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
