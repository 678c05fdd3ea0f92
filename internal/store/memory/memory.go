// Package memory is the in-process Backend. It also serves as the state
// machine behind the raft backend, which is why it tracks a global
// modify index and exposes compare-on-index writes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fedstate/internal/store/backend"
)

// ErrConflict is returned by CompareAndSwap when the record changed since
// the caller read it.
var ErrConflict = errors.New("memory: modify index mismatch")

// Store keeps every table in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	// table -> key -> entry
	tables map[backend.Table]map[string]*entry

	// global index, bumped by every write
	index uint64

	closed bool
}

type entry struct {
	value       []byte
	createIndex uint64
	modifyIndex uint64
}

var _ backend.Backend = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.tables = make(map[backend.Table]map[string]*entry, 3)
	for _, t := range backend.Tables() {
		s.tables[t] = make(map[string]*entry)
	}
	s.index = 0
}

func (s *Store) tableLocked(t backend.Table) (map[string]*entry, error) {
	if s.closed {
		return nil, backend.ErrClosed
	}
	m, ok := s.tables[t]
	if !ok {
		return nil, fmt.Errorf("memory: unknown table %q", t)
	}
	return m, nil
}

// ==== reads ====

func (s *Store) Get(_ context.Context, table backend.Table, key string) ([]byte, error) {
	v, _, err := s.Lookup(table, key)
	return v, err
}

// Lookup returns the value together with its modify index.
func (s *Store) Lookup(table backend.Table, key string) ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.tableLocked(table)
	if err != nil {
		return nil, 0, err
	}
	e, ok := m[key]
	if !ok {
		return nil, 0, backend.ErrNoRecord
	}
	return backend.Clone(e.value), e.modifyIndex, nil
}

func (s *Store) List(_ context.Context, table backend.Table) ([]backend.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.tableLocked(table)
	if err != nil {
		return nil, err
	}
	out := make([]backend.Record, 0, len(m))
	for k, e := range m {
		out = append(out, backend.Record{Key: k, Value: backend.Clone(e.value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Index returns the index of the latest write.
func (s *Store) Index() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// ==== writes ====

func (s *Store) Create(_ context.Context, table backend.Table, key string, value []byte) error {
	_, err := s.CompareAndSwap(table, key, value, 0)
	if errors.Is(err, ErrConflict) {
		return backend.ErrRecordExists
	}
	return err
}

func (s *Store) Upsert(_ context.Context, table backend.Table, key string, fn backend.MutateFunc) error {
	return s.mutate(table, key, fn, true)
}

func (s *Store) Update(_ context.Context, table backend.Table, key string, fn backend.MutateFunc) error {
	return s.mutate(table, key, fn, false)
}

func (s *Store) mutate(table backend.Table, key string, fn backend.MutateFunc, allowCreate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.tableLocked(table)
	if err != nil {
		return err
	}
	var current []byte
	e, exists := m[key]
	if exists {
		current = backend.Clone(e.value)
	} else if !allowCreate {
		return backend.ErrNoRecord
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	s.putLocked(m, key, next)
	return nil
}

// CompareAndSwap writes value only if the record's modify index equals
// expect. expect == 0 means the record must be absent. Returns the new
// modify index.
func (s *Store) CompareAndSwap(table backend.Table, key string, value []byte, expect uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.tableLocked(table)
	if err != nil {
		return s.index, err
	}
	e, exists := m[key]
	switch {
	case expect == 0 && exists:
		return s.index, ErrConflict
	case expect != 0 && !exists:
		return s.index, backend.ErrNoRecord
	case expect != 0 && e.modifyIndex != expect:
		return s.index, ErrConflict
	}
	return s.putLocked(m, key, value), nil
}

func (s *Store) putLocked(m map[string]*entry, key string, value []byte) uint64 {
	s.index++
	if e, ok := m[key]; ok {
		e.value = backend.Clone(value)
		e.modifyIndex = s.index
		return s.index
	}
	m[key] = &entry{value: backend.Clone(value), createIndex: s.index, modifyIndex: s.index}
	return s.index
}

func (s *Store) Delete(_ context.Context, table backend.Table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.tableLocked(table)
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return backend.ErrNoRecord
	}
	delete(m, key)
	s.index++
	return nil
}

// ==== lifecycle ====

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return backend.ErrClosed
	}
	return nil
}

// Close drops all data. Further calls fail with backend.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tables = nil
	return nil
}

// ==== snapshots ====

// Snapshot is a point-in-time copy of the store, used by the raft FSM.
type Snapshot struct {
	Index  uint64                          `json:"index"`
	Tables map[backend.Table][]SnapshotRow `json:"tables"`
}

// SnapshotRow is one record inside a Snapshot.
type SnapshotRow struct {
	Key         string `json:"key"`
	Value       []byte `json:"value"`
	CreateIndex uint64 `json:"create_index"`
	ModifyIndex uint64 `json:"modify_index"`
}

// Snapshot copies the current state.
func (s *Store) Snapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Snapshot{}, backend.ErrClosed
	}
	snap := Snapshot{Index: s.index, Tables: make(map[backend.Table][]SnapshotRow, len(s.tables))}
	for t, m := range s.tables {
		rows := make([]SnapshotRow, 0, len(m))
		for k, e := range m {
			rows = append(rows, SnapshotRow{
				Key:         k,
				Value:       backend.Clone(e.value),
				CreateIndex: e.createIndex,
				ModifyIndex: e.modifyIndex,
			})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
		snap.Tables[t] = rows
	}
	return snap, nil
}

// Restore replaces the whole state with snap.
func (s *Store) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	s.resetLocked()
	for t, rows := range snap.Tables {
		m, ok := s.tables[t]
		if !ok {
			return fmt.Errorf("memory: restore: unknown table %q", t)
		}
		for _, r := range rows {
			m[r.Key] = &entry{value: backend.Clone(r.Value), createIndex: r.CreateIndex, modifyIndex: r.ModifyIndex}
		}
	}
	s.index = snap.Index
	return nil
}
