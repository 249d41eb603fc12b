// Package config loads and validates the Mastiff server configuration.
//
// Configuration comes from an optional YAML file plus defaults. A missing
// file is not an error; every field has a usable default so the server can
// start with nothing but a data directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenAddr is where the HTTP API binds when unconfigured.
	DefaultListenAddr = ":8585"

	// DefaultDataDir holds artifacts, extracted trees, and the embedded store.
	DefaultDataDir = "/var/lib/mastiff"

	// DefaultStepTimeout bounds how long one module may hold a task before
	// the executor declares it timed out.
	DefaultStepTimeout = 30 * time.Minute

	// DefaultResultGrace is how long recovery waits for an already-dispatched
	// task after a restart before marking its step lost.
	DefaultResultGrace = 2 * time.Minute
)

// RedisConfig points at the queue plane.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// StoreConfig selects the persistence backend. Backend is "bolt" (embedded,
// default) or "postgres" (DSN required).
type StoreConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn,omitempty"`
}

// RuntimeConfig points at containerd for internal module containers.
type RuntimeConfig struct {
	Socket      string `yaml:"socket"`
	Namespace   string `yaml:"namespace"`
	ImagePrefix string `yaml:"image_prefix,omitempty"`
}

// LifecycleConfig tunes container supervision for internal modules.
type LifecycleConfig struct {
	BuildRetries  int           `yaml:"build_retries"`
	BuildBackoff  time.Duration `yaml:"build_backoff"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	HeartbeatTTL  time.Duration `yaml:"heartbeat_ttl"`
}

// ExternalConfig tunes outbound calls to externally hosted modules.
type ExternalConfig struct {
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	ModulesDir string `yaml:"modules_dir,omitempty"`

	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	External  ExternalConfig  `yaml:"external"`
	Log       LogConfig       `yaml:"log"`

	StepTimeout time.Duration `yaml:"step_timeout"`
	ResultGrace time.Duration `yaml:"result_grace"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML config at path and merges it over the defaults. A
// missing file yields pure defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ModulesDir == "" {
		c.ModulesDir = filepath.Join(c.DataDir, "modules")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "bolt"
	}
	if c.Runtime.Socket == "" {
		c.Runtime.Socket = "/run/containerd/containerd.sock"
	}
	if c.Runtime.Namespace == "" {
		c.Runtime.Namespace = "mastiff"
	}
	if c.Lifecycle.BuildRetries == 0 {
		c.Lifecycle.BuildRetries = 3
	}
	if c.Lifecycle.BuildBackoff == 0 {
		c.Lifecycle.BuildBackoff = 10 * time.Second
	}
	if c.Lifecycle.ProbeInterval == 0 {
		c.Lifecycle.ProbeInterval = 30 * time.Second
	}
	if c.Lifecycle.HeartbeatTTL == 0 {
		c.Lifecycle.HeartbeatTTL = 60 * time.Second
	}
	if c.External.NotifyTimeout == 0 {
		c.External.NotifyTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.ResultGrace == 0 {
		c.ResultGrace = DefaultResultGrace
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Backend) {
	case "bolt":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be 'bolt' or 'postgres', got %q", c.Store.Backend)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive")
	}
	if c.ResultGrace <= 0 {
		return fmt.Errorf("result_grace must be positive")
	}
	if c.Lifecycle.BuildRetries < 0 {
		return fmt.Errorf("lifecycle.build_retries must not be negative")
	}
	return nil
}

// StoreDir is the content-addressed artifact store root. Each artifact
// owns one directory named by its fingerprint, holding the raw bytes and
// the extracted tree.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// EnsureDirs creates the data directory layout.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.StoreDir(),
		c.ModulesDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: ensure %s: %w", dir, err)
		}
	}
	return nil
}
