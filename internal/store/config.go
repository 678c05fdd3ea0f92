package store

import (
	"fmt"

	"fedstate/internal/store/pgstore"
	"fedstate/internal/store/raftstore"
	"fedstate/internal/store/redisstore"
	"fedstate/internal/store/sqlitestore"
)

// Drivers.
const (
	DriverMemory   = "memory"
	DriverRaft     = "raft"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and configures the backend. Only the section matching
// Driver is read.
type Config struct {
	Driver   string             `yaml:"driver"`
	Raft     raftstore.Config   `yaml:"raft"`
	Redis    redisstore.Config  `yaml:"redis"`
	Postgres pgstore.Config     `yaml:"postgres"`
	SQLite   sqlitestore.Config `yaml:"sqlite"`
}

// Validate checks the driver name and its section.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverRaft:
		return c.Raft.Validate()
	case DriverRedis:
		return c.Redis.Validate()
	case DriverPostgres:
		return c.Postgres.Validate()
	case DriverSQLite:
		return c.SQLite.Validate()
	case "":
		return fmt.Errorf("store: driver is required")
	default:
		return fmt.Errorf("store: unknown driver %q", c.Driver)
	}
}
