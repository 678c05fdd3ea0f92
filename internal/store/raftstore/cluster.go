package raftstore

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// raftNode holds the pieces assembled by setupRaft.
type raftNode struct {
	raft      *hraft.Raft
	transport hraft.Transport
	closers   []io.Closer
}

func (n *raftNode) close() error {
	var first error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil && first == nil {
			first = err
		}
	}
	if c, ok := n.transport.(io.Closer); ok {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, c := range n.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// newHCLogger routes raft's own logging into zap.
func newHCLogger(log *zap.Logger) hclog.Logger {
	level := hclog.Info
	if log.Core().Enabled(zapcore.DebugLevel) {
		level = hclog.Debug
	} else if !log.Core().Enabled(zapcore.InfoLevel) {
		level = hclog.Warn
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            "raft",
		Level:           level,
		Output:          zap.NewStdLog(log).Writer(),
		DisableTime:     true,
		IncludeLocation: false,
	})
}

func raftConfig(cfg Config, logger hclog.Logger) *hraft.Config {
	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.NodeID)
	rcfg.Logger = logger
	rcfg.SnapshotInterval = 20 * time.Second
	rcfg.SnapshotThreshold = 8192
	if cfg.InMemory {
		// single process: elect fast
		rcfg.HeartbeatTimeout = 50 * time.Millisecond
		rcfg.ElectionTimeout = 50 * time.Millisecond
		rcfg.LeaderLeaseTimeout = 50 * time.Millisecond
		rcfg.CommitTimeout = 5 * time.Millisecond
	}
	return rcfg
}

// setupRaft wires transport, BoltDB log/stable stores and file snapshots,
// or their in-memory equivalents, and bootstraps a single-node cluster
// when asked to and no prior state exists. On error everything opened so
// far is closed.
func setupRaft(cfg Config, f hraft.FSM, logger hclog.Logger) (*raftNode, error) {
	node := &raftNode{}
	if err := node.assemble(cfg, f, logger); err != nil {
		_ = node.close()
		return nil, err
	}
	return node, nil
}

func (n *raftNode) assemble(cfg Config, f hraft.FSM, logger hclog.Logger) error {
	var (
		logs   hraft.LogStore
		stable hraft.StableStore
		snaps  hraft.SnapshotStore
	)
	if cfg.InMemory {
		inmem := hraft.NewInmemStore()
		logs, stable = inmem, inmem
		snaps = hraft.NewInmemSnapshotStore()
		_, trans := hraft.NewInmemTransport(hraft.ServerAddress(cfg.BindAddr))
		n.transport = trans
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return err
		}
		addr, err := net.ResolveTCPAddr("tcp", cfg.advertise())
		if err != nil {
			return err
		}
		trans, err := hraft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, logger)
		if err != nil {
			return err
		}
		n.transport = trans

		// BoltDB for log and stable store, files for snapshots.
		stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
		if err != nil {
			return err
		}
		n.closers = append(n.closers, stableStore)
		logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
		if err != nil {
			return err
		}
		n.closers = append(n.closers, logStore)
		fileSnaps, err := hraft.NewFileSnapshotStoreWithLogger(cfg.DataDir, cfg.SnapshotRetain, logger)
		if err != nil {
			return err
		}
		logs, stable, snaps = logStore, stableStore, fileSnaps
	}

	rcfg := raftConfig(cfg, logger)
	r, err := hraft.NewRaft(rcfg, f, logs, stable, snaps, n.transport)
	if err != nil {
		return err
	}
	n.raft = r

	if !cfg.Bootstrap {
		return nil
	}
	hasState, err := hraft.HasExistingState(logs, stable, snaps)
	if err != nil {
		return err
	}
	if hasState {
		return nil
	}
	c := hraft.Configuration{Servers: []hraft.Server{{ID: rcfg.LocalID, Address: n.transport.LocalAddr()}}}
	if err := r.BootstrapCluster(c).Error(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}
