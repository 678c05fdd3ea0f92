// Package redisstore keeps the federation tables in Redis.
//
// Create and Delete run as Lua scripts so the record and the per-table
// key index change together. Read-modify-write uses WATCH/MULTI; a
// concurrent write to the same key aborts the transaction, which is then
// retried against the new value up to maxTxAttempts times.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"fedstate/internal/store/backend"
)

// ErrConcurrentUpdate is returned when a WATCHed record kept changing
// for maxTxAttempts transactions in a row.
var ErrConcurrentUpdate = errors.New("redisstore: concurrent update")

const maxTxAttempts = 1000

// Config holds the connection settings.
type Config struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("redisstore: addr is required")
	}
	return nil
}

// Store is a backend.Backend on Redis.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

var _ backend.Backend = (*Store)(nil)

// Open connects to the server in cfg. The connection is not checked;
// call Ping.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(rdb, cfg.Prefix), nil
}

// New wraps an existing client. Close closes it.
func New(rdb goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// KEYS[1] record, KEYS[2] index; ARGV[1] value, ARGV[2] key.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// KEYS[1] record, KEYS[2] index; ARGV[1] key.
var deleteScript = goredis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return n
`)

func (s *Store) Get(ctx context.Context, table backend.Table, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.recordKey(table, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, backend.ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s/%s: %w", table, key, err)
	}
	return b, nil
}

func (s *Store) List(ctx context.Context, table backend.Table) ([]backend.Record, error) {
	keys, err := s.rdb.SMembers(ctx, s.indexKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list %s: %w", table, err)
	}
	if len(keys) == 0 {
		return []backend.Record{}, nil
	}
	sort.Strings(keys)

	recKeys := make([]string, len(keys))
	for i, k := range keys {
		recKeys[i] = s.recordKey(table, k)
	}
	vals, err := s.rdb.MGet(ctx, recKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list %s: %w", table, err)
	}

	out := make([]backend.Record, 0, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		out = append(out, backend.Record{Key: keys[i], Value: []byte(str)})
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, table backend.Table, key string, value []byte) error {
	n, err := createScript.Run(ctx, s.rdb,
		[]string{s.recordKey(table, key), s.indexKey(table)}, value, key).Int()
	if err != nil {
		return fmt.Errorf("redisstore: create %s/%s: %w", table, key, err)
	}
	if n == 0 {
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
	rk := s.recordKey(table, key)
	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
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
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, rk, next, 0)
			pipe.SAdd(ctx, s.indexKey(table), key)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, rk)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			if ctx.Err() != nil {
				return fmt.Errorf("redisstore: mutate %s/%s: %w", table, key, ctx.Err())
			}
			continue
		case errors.Is(err, backend.ErrNoRecord):
			return err
		}
		return fmt.Errorf("redisstore: mutate %s/%s: %w", table, key, err)
	}
	return fmt.Errorf("redisstore: %s/%s: %w", table, key, ErrConcurrentUpdate)
}

func (s *Store) Delete(ctx context.Context, table backend.Table, key string) error {
	n, err := deleteScript.Run(ctx, s.rdb,
		[]string{s.recordKey(table, key), s.indexKey(table)}, key).Int()
	if err != nil {
		return fmt.Errorf("redisstore: delete %s/%s: %w", table, key, err)
	}
	if n == 0 {
		return backend.ErrNoRecord
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstore: ping: %w", err)
	}
	return nil
}

// Close closes the client. A second call returns goredis.ErrClosed,
// which is reported as nil.
func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
