// Package backend defines the keyed record store that the federation
// tables are written against. Implementations live in sibling packages
// (memory, raftstore, redisstore, pgstore, sqlitestore) and are selected
// at startup.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrNoRecord is returned when the key has no record in the table.
	ErrNoRecord = errors.New("backend: no record")
	// ErrRecordExists is returned by Create when the key is taken.
	ErrRecordExists = errors.New("backend: record exists")
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("backend: closed")
)

// Table partitions the key space.
type Table string

const (
	TableSubClusters  Table = "subclusters"
	TableApplications Table = "applications"
	TablePolicies     Table = "policies"
)

// Tables lists every table in a stable order.
func Tables() []Table {
	return []Table{TableSubClusters, TableApplications, TablePolicies}
}

// Valid reports whether t is a known table.
func (t Table) Valid() bool {
	switch t {
	case TableSubClusters, TableApplications, TablePolicies:
		return true
	}
	return false
}

// Record is one key/value pair as returned by List.
type Record struct {
	Key   string
	Value []byte
}

// MutateFunc computes the new value of a record from its current value.
// current is nil when the record does not exist (Upsert only). Returning
// an error aborts the write and the error is passed through unchanged.
type MutateFunc func(current []byte) ([]byte, error)

// Backend is a per-key linearizable blob store. Operations on distinct
// keys are independent; operations on the same key are atomic.
//
// Implementations must return copies: callers may keep and modify any
// slice they receive.
type Backend interface {
	// Get returns the value stored under key or ErrNoRecord.
	Get(ctx context.Context, table Table, key string) ([]byte, error)

	// List returns every record of the table ordered by key.
	List(ctx context.Context, table Table) ([]Record, error)

	// Create inserts value only if key is absent, else ErrRecordExists.
	Create(ctx context.Context, table Table, key string, value []byte) error

	// Upsert atomically replaces the record with fn(current).
	Upsert(ctx context.Context, table Table, key string, fn MutateFunc) error

	// Update is Upsert restricted to existing records. Absent keys yield
	// ErrNoRecord and fn is not called.
	Update(ctx context.Context, table Table, key string, fn MutateFunc) error

	// Delete removes the record or returns ErrNoRecord.
	Delete(ctx context.Context, table Table, key string) error

	// Ping checks that the backend can serve requests.
	Ping(ctx context.Context) error

	// Close releases every resource. Safe to call more than once.
	Close() error
}

// Put is an unconditional write expressed through Upsert.
func Put(ctx context.Context, b Backend, table Table, key string, value []byte) error {
	return b.Upsert(ctx, table, key, func([]byte) ([]byte, error) { return value, nil })
}

// Clone copies b, preserving nil.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
