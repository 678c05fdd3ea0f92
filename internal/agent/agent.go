// Package agent is the sub-cluster side of membership: it registers the
// sub-cluster with the federation state store and keeps it alive with
// periodic heartbeats.
package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fedstate/internal/clock"
	"fedstate/internal/federation"
	"fedstate/internal/store"
)

// Registrar is the slice of the store the agent needs. *api.Client is
// the production implementation.
type Registrar interface {
	RegisterSubCluster(ctx context.Context, info federation.SubClusterInfo) error
	SubClusterHeartbeat(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState, capability string) error
	DeregisterSubCluster(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState) error
}

// Config describes the sub-cluster this agent speaks for.
type Config struct {
	SubClusterID           federation.SubClusterID `yaml:"subcluster_id"`
	AMRMServiceAddress     string                  `yaml:"amrm_address"`
	ClientRMServiceAddress string                  `yaml:"client_rm_address"`
	RMAdminServiceAddress  string                  `yaml:"rm_admin_address"`
	RMWebServiceAddress    string                  `yaml:"rm_web_address"`

	// Capability is sent with every heartbeat unless CapabilityFunc is set.
	Capability     string        `yaml:"capability"`
	CapabilityFunc func() string `yaml:"-"`

	Interval         time.Duration `yaml:"interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	DeregisterOnExit bool          `yaml:"deregister_on_exit"`
}

func (c Config) info() federation.SubClusterInfo {
	return federation.SubClusterInfo{
		ID:                     c.SubClusterID,
		AMRMServiceAddress:     c.AMRMServiceAddress,
		ClientRMServiceAddress: c.ClientRMServiceAddress,
		RMAdminServiceAddress:  c.RMAdminServiceAddress,
		RMWebServiceAddress:    c.RMWebServiceAddress,
		State:                  federation.StateNew,
		Capability:             c.capability(),
	}
}

func (c Config) capability() string {
	if c.CapabilityFunc != nil {
		return c.CapabilityFunc()
	}
	return c.Capability
}

// Validate checks the sub-cluster record the agent will register.
func (c Config) Validate() error {
	if err := c.info().Validate(); err != nil {
		return err
	}
	if c.Interval < 0 {
		return errors.New("agent: interval must not be negative")
	}
	return nil
}

type Agent struct {
	cfg   Config
	reg   Registrar
	clock clock.Clock
	log   *zap.Logger
}

// Option customizes an Agent.
type Option func(*Agent)

func WithClock(c clock.Clock) Option  { return func(a *Agent) { a.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(a *Agent) { a.log = l } }

// New creates an agent. Interval defaults to 60s and RequestTimeout to 5s.
func New(cfg Config, reg Registrar, opts ...Option) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	a := &Agent{cfg: cfg, reg: reg, clock: clock.Real(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(zap.String("subcluster", string(cfg.SubClusterID)))
	return a
}

// Run registers the sub-cluster and heartbeats RUNNING every interval
// until ctx is cancelled. A heartbeat answered with NotFound means the
// store lost the record; the agent registers again. Other heartbeat
// failures are logged and retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	if err := a.register(ctx); err != nil {
		return err
	}

	ticker := a.clock.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			if a.cfg.DeregisterOnExit {
				a.deregister()
			}
			return nil
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	if err := a.reg.RegisterSubCluster(rctx, a.cfg.info()); err != nil {
		return err
	}
	a.log.Info("sub-cluster registered")
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	err := a.reg.SubClusterHeartbeat(hctx, a.cfg.SubClusterID, federation.StateRunning, a.cfg.capability())
	if !store.IsNotFound(err) {
		return err
	}
	a.log.Warn("sub-cluster unknown to the store, registering again")
	if err := a.register(ctx); err != nil {
		return err
	}
	hctx2, cancel2 := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel2()
	return a.reg.SubClusterHeartbeat(hctx2, a.cfg.SubClusterID, federation.StateRunning, a.cfg.capability())
}

func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()
	if err := a.reg.DeregisterSubCluster(ctx, a.cfg.SubClusterID, federation.StateUnregistered); err != nil {
		a.log.Warn("deregister failed", zap.Error(err))
		return
	}
	a.log.Info("sub-cluster deregistered")
}
