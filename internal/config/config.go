// Package config loads the fedstate-server configuration: a YAML file,
// then FEDSTATE_* environment overrides, then defaults and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fedstate/internal/logger"
	"fedstate/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FEDSTATE_"

type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Log logger.Config `yaml:"log"`

	Store store.Config `yaml:"store"`

	// Join is the HTTP address of a running member. A raft node that is
	// not bootstrapping asks it to add this node as a voter on start.
	Join string `yaml:"join"`

	// Reaper marks sub-clusters LOST after HeartbeatTimeout without a
	// heartbeat. Off unless enabled.
	Reaper struct {
		Enabled          bool          `yaml:"enabled"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		Interval         time.Duration `yaml:"interval"`
	} `yaml:"reaper"`

	// Cache fronts sub-cluster and policy reads. TTL 0 disables it.
	Cache struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Metrics struct {
		Disabled bool   `yaml:"disabled"`
		Path     string `yaml:"path"`
	} `yaml:"metrics"`
}

// Default returns a config that runs a single in-memory node.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// LoadDotEnv loads path into the environment if the file exists. Values
// already set in the environment win.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads path (optional), applies environment overrides and defaults
// and validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyEnvOverrides()
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8700"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 5 * time.Second
	}
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverMemory
	}
	if c.Reaper.HeartbeatTimeout <= 0 {
		c.Reaper.HeartbeatTimeout = 30 * time.Minute
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the store section and the reaper timings.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Reaper.Interval < 0 {
		return errors.New("config: reaper.interval must not be negative")
	}
	if c.Cache.TTL < 0 {
		return errors.New("config: cache.ttl must not be negative")
	}
	if c.Join != "" && c.Store.Driver != store.DriverRaft {
		return errors.New("config: join requires the raft driver")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("config: metrics.path %q must start with /", c.Metrics.Path)
	}
	return nil
}

// ---- env overrides ----

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("ENV"); ok {
		c.Log.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}

	// store
	if v, ok := getEnvStr("STORE_DRIVER"); ok {
		c.Store.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("RAFT_NODE_ID"); ok {
		c.Store.Raft.NodeID = v
	}
	if v, ok := getEnvStr("RAFT_BIND_ADDR"); ok {
		c.Store.Raft.BindAddr = v
	}
	if v, ok := getEnvStr("RAFT_ADVERTISE_ADDR"); ok {
		c.Store.Raft.AdvertiseAddr = v
	}
	if v, ok := getEnvStr("RAFT_DATA_DIR"); ok {
		c.Store.Raft.DataDir = v
	}
	if v, ok := getEnvBool("RAFT_BOOTSTRAP"); ok {
		c.Store.Raft.Bootstrap = v
	}
	if v, ok := getEnvStr("RAFT_JOIN"); ok {
		c.Join = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Store.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Store.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Store.Redis.DB = v
	}
	if v, ok := getEnvStr("POSTGRES_DSN"); ok {
		c.Store.Postgres.DSN = v
	}
	if v, ok := getEnvStr("SQLITE_PATH"); ok {
		c.Store.SQLite.Path = v
	}

	if v, ok := getEnvBool("REAPER_ENABLED"); ok {
		c.Reaper.Enabled = v
	}
	if v, ok := getEnvDur("HEARTBEAT_TIMEOUT"); ok {
		c.Reaper.HeartbeatTimeout = v
	}
	if v, ok := getEnvDur("CACHE_TTL"); ok {
		c.Cache.TTL = v
	}
	if v, ok := getEnvBool("METRICS_DISABLED"); ok {
		c.Metrics.Disabled = v
	}
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	return 0, false
}
