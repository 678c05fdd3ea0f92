// Package sqlitestore keeps the federation tables in a single SQLite
// file through a zombiezen connection pool. Writers use IMMEDIATE
// transactions, so read-modify-write holds the database write lock from
// the read onwards.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"fedstate/internal/store/backend"
)

// Config holds the database location.
type Config struct {
	// Path of the database file; created if missing. ":memory:" needs
	// PoolSize 1 since each in-memory connection is its own database.
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("sqlitestore: path is required")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS federation_records (
    tbl   TEXT NOT NULL,
    key   TEXT NOT NULL,
    value BLOB NOT NULL,
    PRIMARY KEY (tbl, key)
) WITHOUT ROWID;
`

// Store is a backend.Backend on SQLite.
type Store struct {
	pool *sqlitex.Pool
	path string
	log  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ backend.Backend = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// Open creates the pool; every connection gets the standard pragmas and
// the schema.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	s := &Store{path: cfg.Path, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("sqlitestore")

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}
	s.pool = pool
	s.log.Info("sqlite pool opened", zap.String("path", cfg.Path), zap.Int("pool_size", poolSize))
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: take: %w", err)
	}
	return conn, nil
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func getLocked(conn *sqlite.Conn, table backend.Table, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT value FROM federation_records WHERE tbl = ? AND key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(table), key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = columnBlob(stmt, 0)
				found = true
				return nil
			},
		})
	return value, found, err
}

func (s *Store) Get(ctx context.Context, table backend.Table, key string) ([]byte, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	value, found, err := getLocked(conn, table, key)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get %s/%s: %w", table, key, err)
	}
	if !found {
		return nil, backend.ErrNoRecord
	}
	return value, nil
}

func (s *Store) List(ctx context.Context, table backend.Table) ([]backend.Record, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	out := []backend.Record{}
	err = sqlitex.Execute(conn,
		`SELECT key, value FROM federation_records WHERE tbl = ? ORDER BY key`,
		&sqlitex.ExecOptions{
			Args: []any{string(table)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, backend.Record{Key: stmt.ColumnText(0), Value: columnBlob(stmt, 1)})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list %s: %w", table, err)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, table backend.Table, key string, value []byte) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO federation_records (tbl, key, value) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{string(table), key, value}})
	if err != nil {
		return fmt.Errorf("sqlitestore: create %s/%s: %w", table, key, err)
	}
	if conn.Changes() == 0 {
		return backend.ErrRecordExists
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, table backend.Table, key string, fn backend.MutateFunc) error {
	return s.mutate(ctx, table, key, fn, true)
}

func (s *Store) Update(ctx context.Context, table backend.Table, key string, fn backend.MutateFunc) error {
	return s.mutate(ctx, table, key, fn, false)
}

func (s *Store) mutate(ctx context.Context, table backend.Table, key string, fn backend.MutateFunc, allowCreate bool) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = mutateLocked(conn, table, key, fn, allowCreate)
	if err == nil || errors.Is(err, backend.ErrNoRecord) {
		return err
	}
	return fmt.Errorf("sqlitestore: mutate %s/%s: %w", table, key, err)
}

func mutateLocked(conn *sqlite.Conn, table backend.Table, key string, fn backend.MutateFunc, allowCreate bool) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	current, found, err := getLocked(conn, table, key)
	if err != nil {
		return err
	}
	if !found {
		if !allowCreate {
			return backend.ErrNoRecord
		}
		current = nil
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return sqlitex.Execute(conn,
		`INSERT INTO federation_records (tbl, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tbl, key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{string(table), key, next}})
}

func (s *Store) Delete(ctx context.Context, table backend.Table, key string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM federation_records WHERE tbl = ? AND key = ?`,
		&sqlitex.ExecOptions{Args: []any{string(table), key}})
	if err != nil {
		return fmt.Errorf("sqlitestore: delete %s/%s: %w", table, key, err)
	}
	if conn.Changes() == 0 {
		return backend.ErrNoRecord
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pool.Close(); err != nil {
			s.closeErr = fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
			return
		}
		s.log.Info("sqlite pool closed", zap.String("path", s.path))
	})
	return s.closeErr
}
