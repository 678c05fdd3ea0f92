// Package pgstore keeps the federation tables in PostgreSQL, one row per
// record in federation_records. Row locks (SELECT ... FOR UPDATE) give
// per-key atomic read-modify-write; the primary key enforces
// first-writer-wins on create.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"fedstate/internal/store/backend"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the connection settings.
type Config struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	// SkipMigrate leaves the schema alone on Open.
	SkipMigrate bool `yaml:"skip_migrate"`
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.DSN == "" {
		return errors.New("pgstore: dsn is required")
	}
	return nil
}

// Store is a backend.Backend on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ backend.Backend = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// Open connects and, unless cfg.SkipMigrate, applies pending migrations.
// The pool is closed again if migrating fails.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	s := NewFromPool(pool, opts...)
	if !cfg.SkipMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewFromPool wraps an existing pool. Close closes it.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("pgstore")
	return s
}

// Migrate runs the embedded SQL files that have not been applied yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fedstate_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("pgstore: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM fedstate_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("pgstore: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("pgstore: read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("pgstore: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO fedstate_migrations (filename) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("pgstore: record migration %s: %w", name, err)
		}
		s.log.Info("applied migration", zap.String("file", name))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table backend.Table, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM federation_records WHERE tbl = $1 AND key = $2`,
		string(table), key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, backend.ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get %s/%s: %w", table, key, err)
	}
	return value, nil
}

func (s *Store) List(ctx context.Context, table backend.Table) ([]backend.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM federation_records WHERE tbl = $1 ORDER BY key`,
		string(table),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list %s: %w", table, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (backend.Record, error) {
		var r backend.Record
		err := row.Scan(&r.Key, &r.Value)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: list %s: %w", table, err)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, table backend.Table, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO federation_records (tbl, key, value) VALUES ($1, $2, $3)`,
		string(table), key, value,
	)
	if isUniqueViolation(err) {
		return backend.ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("pgstore: create %s/%s: %w", table, key, err)
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
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current []byte
		err := tx.QueryRow(ctx,
			`SELECT value FROM federation_records WHERE tbl = $1 AND key = $2 FOR UPDATE`,
			string(table), key,
		).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if !allowCreate {
				return backend.ErrNoRecord
			}
			current = nil
		case err != nil:
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO federation_records (tbl, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (tbl, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
			string(table), key, next,
		)
		return err
	})
	if err == nil || errors.Is(err, backend.ErrNoRecord) {
		return err
	}
	return fmt.Errorf("pgstore: mutate %s/%s: %w", table, key, err)
}

func (s *Store) Delete(ctx context.Context, table backend.Table, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM federation_records WHERE tbl = $1 AND key = $2`,
		string(table), key,
	)
	if err != nil {
		return fmt.Errorf("pgstore: delete %s/%s: %w", table, key, err)
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrNoRecord
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool. pgxpool tolerates repeated calls.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Truncate removes every record. Used by tests sharing a database.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM federation_records`)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
