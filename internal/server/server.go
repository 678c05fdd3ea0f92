// Package server assembles the fedstate server: store, read cache, HTTP
// API, metrics and the heartbeat reaper.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fedstate/internal/api"
	"fedstate/internal/cache"
	"fedstate/internal/config"
	"fedstate/internal/metrics"
	"fedstate/internal/store"
	"fedstate/internal/store/raftstore"
)

// Server owns every long-lived component. Build it with New, serve with
// Run; Run closes everything on exit.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store  *store.Store
	cache  *cache.Store
	raft   *raftstore.Store // nil unless driver is raft
	reaper *store.Reaper
	http   *api.HTTPServer

	// leadership is coalesced: observers only flag a change and the
	// watcher reads the latest value
	leader  atomic.Bool
	changed chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// New opens the store and wires the components. Nothing is served yet.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(s.registry)
	if err != nil {
		return nil, fmt.Errorf("server: metrics: %w", err)
	}
	s.metrics = m

	st, err := store.Open(ctx, cfg.Store,
		store.WithLogger(log),
		store.WithMetrics(m),
		store.WithLeadershipObserver(s.onLeadership),
	)
	if err != nil {
		return nil, err
	}
	s.store = st
	s.cache = cache.New(st, cfg.Cache.TTL, m)
	if rs, ok := st.Backend().(*raftstore.Store); ok {
		s.raft = rs
	}
	if cfg.Reaper.Enabled {
		s.reaper = store.NewReaper(st, cfg.Reaper.HeartbeatTimeout, cfg.Reaper.Interval)
		if s.cache.Enabled() {
			s.reaper.OnLost(s.cache.ForgetSubClusters)
		}
	}

	s.http = &api.HTTPServer{
		Store:           s.cache,
		Addr:            cfg.HTTP.Addr,
		Log:             log.Named("http"),
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}
	if !cfg.Metrics.Disabled {
		s.http.Metrics = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
		s.http.MetricsPath = cfg.Metrics.Path
	}
	if s.raft != nil {
		s.http.Joiner = s.raft
		s.http.IsLeader = s.raft.IsLeader
	}

	s.wg.Add(1)
	go s.watchLeadership()
	if s.raft == nil {
		// without raft every node is its own leader
		s.onLeadership(true)
	}

	if cfg.Join != "" && s.raft != nil {
		if err := s.join(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Handler exposes the HTTP API, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler() }

// Store returns the underlying store.
func (s *Server) Store() *store.Store { return s.store }

// Reaper returns the heartbeat reaper, nil when disabled.
func (s *Server) Reaper() *store.Reaper { return s.reaper }

// Run serves HTTP until ctx is cancelled and then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	if err := s.http.Start(ctx); err != nil {
		s.log.Error("http server exited", zap.Error(err))
		return err
	}
	return nil
}

// Close stops the reaper and closes the store. Safe to call twice.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.reaper != nil {
			s.reaper.Stop()
		}
		if err := s.store.Close(); err != nil {
			s.log.Warn("store close", zap.Error(err))
		}
	})
}

func (s *Server) onLeadership(isLeader bool) {
	s.leader.Store(isLeader)
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// watchLeadership keeps the reaper running only while this node leads.
func (s *Server) watchLeadership() {
	defer s.wg.Done()
	for {
		select {
		case <-s.changed:
			if s.reaper == nil {
				continue
			}
			if s.leader.Load() {
				s.reaper.Start()
			} else {
				s.reaper.Stop()
			}
		case <-s.done:
			return
		}
	}
}

// join asks the member at cfg.Join to add this node. Followers answer
// 503 and the member may still be starting, so failures other than
// invalid input are retried for a while.
func (s *Server) join(ctx context.Context) error {
	rc := s.cfg.Store.Raft
	addr := rc.AdvertiseAddr
	if addr == "" {
		addr = rc.BindAddr
	}
	client := api.NewClient(s.cfg.Join)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for {
		err := client.Join(ctx, rc.NodeID, addr)
		if err == nil {
			s.log.Info("joined cluster", zap.String("via", s.cfg.Join))
			return nil
		}
		if store.IsInvalid(err) {
			return fmt.Errorf("server: join %s: %w", s.cfg.Join, err)
		}
		s.log.Warn("join failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("server: join %s: %w", s.cfg.Join, err)
		case <-time.After(time.Second):
		}
	}
}
