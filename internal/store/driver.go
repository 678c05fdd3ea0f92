package store

import (
	"context"
	"fmt"
	"time"

	"fedstate/internal/store/backend"
	"fedstate/internal/store/memory"
	"fedstate/internal/store/pgstore"
	"fedstate/internal/store/raftstore"
	"fedstate/internal/store/redisstore"
	"fedstate/internal/store/sqlitestore"
)

// bootstrapElection bounds how long Open waits for a freshly bootstrapped
// raft node to elect itself.
const bootstrapElection = 10 * time.Second

func openBackend(ctx context.Context, cfg Config, o options) (backend.Backend, error) {
	switch cfg.Driver {
	case DriverMemory:
		return memory.New(), nil

	case DriverRaft:
		ropts := []raftstore.Option{
			raftstore.WithLogger(o.log),
			raftstore.WithMetrics(o.metrics),
		}
		if o.leadership != nil {
			ropts = append(ropts, raftstore.WithLeadershipObserver(o.leadership))
		}
		rs, err := raftstore.Open(cfg.Raft, ropts...)
		if err != nil {
			return nil, err
		}
		if cfg.Raft.Bootstrap {
			wctx, cancel := context.WithTimeout(ctx, bootstrapElection)
			defer cancel()
			if err := rs.WaitForLeader(wctx); err != nil {
				_ = rs.Close()
				return nil, fmt.Errorf("raftstore: wait for leader: %w", err)
			}
		}
		return rs, nil

	case DriverRedis:
		return redisstore.Open(cfg.Redis)

	case DriverPostgres:
		return pgstore.Open(ctx, cfg.Postgres, pgstore.WithLogger(o.log))

	case DriverSQLite:
		return sqlitestore.Open(cfg.SQLite, sqlitestore.WithLogger(o.log))
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}
