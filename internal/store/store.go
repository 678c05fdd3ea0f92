// Package store is the federation state store: the membership registry,
// the application homing table and the policy configuration store,
// composed behind one lifecycle and one error taxonomy.
//
// Table logic is written once against backend.Backend; Open picks the
// backend from Config.Driver.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedstate/internal/clock"
	"fedstate/internal/metrics"
	"fedstate/internal/store/backend"
)

// Store is safe for concurrent use.
type Store struct {
	backend backend.Backend
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Store.
type Option func(*options)

type options struct {
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	leadership func(isLeader bool)
}

// WithClock injects the clock used for heartbeat timestamps.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithLeadershipObserver is called on every leadership change of a
// replicated backend. Other drivers ignore it.
func WithLeadershipObserver(fn func(isLeader bool)) Option {
	return func(o *options) { o.leadership = fn }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.Real(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New wraps an already opened backend. Close closes it.
func New(b backend.Backend, opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{
		backend: b,
		clock:   o.clock,
		log:     o.log.Named("store"),
		metrics: o.metrics,
	}
}

// Open connects the backend selected by cfg.Driver and checks it with
// Ping. Anything opened before a failure is released before returning.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, failure("open", "", err)
	}
	b, err := openBackend(ctx, cfg, o)
	if err != nil {
		return nil, failure("open", cfg.Driver, err)
	}
	if err := b.Ping(ctx); err != nil {
		cerr := b.Close()
		return nil, failure("open", cfg.Driver, errors.Join(err, cerr))
	}
	s := New(b, opts...)
	s.log.Info("store opened", zap.String("driver", cfg.Driver))
	return s, nil
}

// With opens a store, runs fn and closes the store on every exit path,
// including a panic in fn. The error of fn wins over the close error.
func With(ctx context.Context, cfg Config, fn func(*Store) error, opts ...Option) (err error) {
	s, err := Open(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// Close releases the backend. Calling it again returns the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.backend == nil {
			return
		}
		if err := s.backend.Close(); err != nil {
			s.closeErr = failure("close", "", err)
			return
		}
		s.log.Info("store closed")
	})
	return s.closeErr
}

// Ping checks backend health.
func (s *Store) Ping(ctx context.Context) error {
	return translate("ping", "", s.backend.Ping(ctx))
}

// Backend exposes the underlying backend, for driver specific features
// such as raft membership.
func (s *Store) Backend() backend.Backend { return s.backend }

// observe records metrics and logs for one operation and maps err onto a
// store error.
func (s *Store) observe(table backend.Table, op, key string, start time.Time, err error) error {
	err = translate(op, key, err)
	kind := "ok"
	if err != nil {
		kind = KindOf(err).String()
	}
	s.metrics.ObserveStoreOp(string(table), op, kind, time.Since(start))

	switch {
	case err == nil:
		s.log.Debug(op, zap.String("key", key))
	case KindOf(err) == KindFailure:
		s.log.Warn(op+" failed", zap.String("key", key), zap.Error(err))
	default:
		s.log.Debug(op, zap.String("key", key), zap.String("result", kind))
	}
	return err
}

func invalid(op, key string, err error) error {
	return failure(op, key, fmt.Errorf("validate: %w", err))
}
