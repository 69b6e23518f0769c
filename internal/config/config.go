package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/dtn"
)

const (
	DefaultBindPort   = 37442
	DefaultLogLevel   = debug.DEBUG_INFO
	DefaultMaxPayload = 512 * 1024

	DefaultStaleTimeoutSeconds    = 300
	DefaultBackpropTimeoutSeconds = 30
	DefaultSweepIntervalSeconds   = 30
	DefaultDedupCacheSize         = 4096

	DefaultLifetimeSeconds = 3600

	DefaultMaxPendingPerPeer = 1000
	DefaultMaxTotalPending   = 100000

	DefaultMetricsAddr = ":2112"

	configDirName  = ".driftmesh"
	configFileName = "config.toml"
	keyFileName    = "identity.key"
)

// NodeConfig covers the node's own identity and transport surface.
type NodeConfig struct {
	// KeyFile holds the ed25519 seed; empty means the default path under
	// the config directory, generated on first run.
	KeyFile string `toml:"key_file"`
	// BindAddr is the TCP listen address. Empty disables the listener for
	// dial-only nodes.
	BindAddr   string `toml:"bind_addr"`
	LogLevel   int    `toml:"log_level"`
	MaxPayload int    `toml:"max_payload"`
}

type RoutingConfig struct {
	StaleTimeoutSeconds    int `toml:"stale_timeout_seconds"`
	BackpropTimeoutSeconds int `toml:"backprop_timeout_seconds"`
	SweepIntervalSeconds   int `toml:"sweep_interval_seconds"`
	DedupCacheSize         int `toml:"dedup_cache_size"`
}

type DTNConfig struct {
	// Strategy is store_and_forward, epidemic or spray_and_wait.
	Strategy        string `toml:"strategy"`
	LifetimeSeconds int    `toml:"lifetime_seconds"`
}

type StorageConfig struct {
	// Backend is memory, badger or spool.
	Backend string `toml:"backend"`
	// Path locates the badger database or spool directory; empty means a
	// backend-named directory under the config directory.
	Path              string `toml:"path"`
	MaxPendingPerPeer int    `toml:"max_pending_per_peer"`
	MaxTotalPending   int    `toml:"max_total_pending"`
}

type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// PeerConfig is one address-book entry: the peer's base58 node address and
// where to dial it.
type PeerConfig struct {
	Key  string `toml:"key"`
	Addr string `toml:"addr"`
}

type Config struct {
	ConfigPath string `toml:"-"`

	Node    NodeConfig            `toml:"node"`
	Routing RoutingConfig         `toml:"routing"`
	DTN     DTNConfig             `toml:"dtn"`
	Storage StorageConfig         `toml:"storage"`
	Metrics MetricsConfig         `toml:"metrics"`
	Peers   map[string]PeerConfig `toml:"peers"`
}

func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			BindAddr:   fmt.Sprintf(":%d", DefaultBindPort),
			LogLevel:   DefaultLogLevel,
			MaxPayload: DefaultMaxPayload,
		},
		Routing: RoutingConfig{
			StaleTimeoutSeconds:    DefaultStaleTimeoutSeconds,
			BackpropTimeoutSeconds: DefaultBackpropTimeoutSeconds,
			SweepIntervalSeconds:   DefaultSweepIntervalSeconds,
			DedupCacheSize:         DefaultDedupCacheSize,
		},
		DTN: DTNConfig{
			Strategy:        "spray_and_wait",
			LifetimeSeconds: DefaultLifetimeSeconds,
		},
		Storage: StorageConfig{
			Backend:           "memory",
			MaxPendingPerPeer: DefaultMaxPendingPerPeer,
			MaxTotalPending:   DefaultMaxTotalPending,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: DefaultMetricsAddr,
		},
		Peers: make(map[string]PeerConfig),
	}
}

func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, configDirName), nil
}

func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

func EnsureConfigDir() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return dir, os.MkdirAll(dir, 0700)
}

// KeyPath resolves the identity key location: the configured file, or the
// default next to the config file.
func (c *Config) KeyPath() (string, error) {
	if c.Node.KeyFile != "" {
		return c.Node.KeyFile, nil
	}
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, keyFileName), nil
}

// StoragePath resolves the storage backend location: the configured path, or
// a backend-named directory next to the config file.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.Backend), nil
}

func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Routing.StaleTimeoutSeconds) * time.Second
}

func (c *Config) BackpropTimeout() time.Duration {
	return time.Duration(c.Routing.BackpropTimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Routing.SweepIntervalSeconds) * time.Second
}

func (c *Config) Lifetime() time.Duration {
	return time.Duration(c.DTN.LifetimeSeconds) * time.Second
}

// Validate checks the knobs that would otherwise fail deep inside node
// construction.
func (c *Config) Validate() error {
	if c.Node.LogLevel < debug.DEBUG_CRITICAL || c.Node.LogLevel > debug.DEBUG_ALL {
		return fmt.Errorf("config: log level %d outside %d-%d", c.Node.LogLevel, debug.DEBUG_CRITICAL, debug.DEBUG_ALL)
	}
	if c.Node.MaxPayload <= 0 {
		return fmt.Errorf("config: max payload must be positive, got %d", c.Node.MaxPayload)
	}
	if c.Routing.StaleTimeoutSeconds <= 0 || c.Routing.BackpropTimeoutSeconds <= 0 || c.Routing.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("config: routing timeouts must be positive")
	}
	if c.DTN.LifetimeSeconds <= 0 {
		return fmt.Errorf("config: packet lifetime must be positive, got %d", c.DTN.LifetimeSeconds)
	}
	if _, err := dtn.ParseStrategy(c.DTN.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Storage.Backend {
	case "memory", "badger", "spool":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxPendingPerPeer <= 0 || c.Storage.MaxTotalPending <= 0 {
		return fmt.Errorf("config: pending quotas must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("config: metrics enabled without a listen address")
	}
	return nil
}

// LoadConfig reads path over the defaults, so a partial file only overrides
// what it names.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.ConfigPath = path
	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0700); err != nil {
		return err
	}
	return os.WriteFile(cfg.ConfigPath, data, 0600)
}

// CreateDefaultConfig writes a fresh default configuration to path.
func CreateDefaultConfig(path string) error {
	cfg := DefaultConfig()
	cfg.ConfigPath = path
	return SaveConfig(cfg)
}

// InitConfig loads the node configuration, creating a default file on first
// run.
func InitConfig() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := CreateDefaultConfig(path); err != nil {
			return nil, err
		}
	}
	return LoadConfig(path)
}
