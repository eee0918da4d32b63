// Package config holds the process-wide controller options.
//
// The options are loaded once at startup and passed by reference
// through the controller; nothing here is mutated after Load except
// the negotiated framing mode, which the device state machine owns
// per-handle.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Framing selects the initial NETCONF message framing mode.
type Framing string

const (
	// FramingEOM is the netconf 1.0 end-of-message sentinel framing.
	FramingEOM Framing = "eom"
	// FramingChunked is the netconf 1.1 chunked framing.
	FramingChunked Framing = "chunked"
)

// Config are the process-wide controller options.
type Config struct {
	// DeviceTimeout bounds every transient device connection state.
	DeviceTimeoutSec int `yaml:"device-timeout"`

	// NetconfFraming is the initial framing mode. Sessions always
	// start with EOM; after hello the negotiated mode applies unless
	// this pins "eom".
	NetconfFraming Framing `yaml:"netconf-framing"`

	// SchemaDir is the YANG schema cache directory.
	SchemaDir string `yaml:"schema-dir"`

	// ActionCommand is the service-action process command line.
	ActionCommand []string `yaml:"action-command"`

	// Listen is the RPC unix socket path.
	Listen string `yaml:"listen"`

	// Datastore selects the datastore backend: memory | redis.
	Datastore string `yaml:"datastore"`

	// RedisAddr is the redis address for the redis datastore backend.
	RedisAddr string `yaml:"redis-addr"`

	// Devices is the initial device inventory.
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one managed device.
type DeviceConfig struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Enabled  bool   `yaml:"enabled"`

	// ConnType is the connection type; only NETCONF_SSH is supported.
	ConnType string `yaml:"conn-type,omitempty"`

	// YangConfig controls schema handling: VALIDATE (full validation
	// on sync) or YANG (bind only).
	YangConfig string `yaml:"yang-config,omitempty"`
}

// Default returns a config with the documented defaults filled in.
func Default() *Config {
	return &Config{
		DeviceTimeoutSec: 60,
		NetconfFraming:   FramingChunked,
		SchemaDir:        defaultSchemaDir(),
		Listen:           "/var/run/conduit.sock",
		Datastore:        "memory",
		RedisAddr:        "127.0.0.1:6379",
	}
}

func defaultSchemaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "schemas"
	}
	return filepath.Join(home, ".conduit", "schemas")
}

// Load reads a YAML config file and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.DeviceTimeoutSec <= 0 {
		cfg.DeviceTimeoutSec = 60
	}
	switch cfg.NetconfFraming {
	case FramingEOM, FramingChunked:
	case "":
		cfg.NetconfFraming = FramingChunked
	default:
		return nil, fmt.Errorf("netconf-framing: unknown mode %q", cfg.NetconfFraming)
	}
	switch cfg.Datastore {
	case "memory", "redis":
	case "":
		cfg.Datastore = "memory"
	default:
		return nil, fmt.Errorf("datastore: unknown backend %q", cfg.Datastore)
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DeviceTimeout returns the transient-state timeout as a duration.
func (c *Config) DeviceTimeout() time.Duration {
	return time.Duration(c.DeviceTimeoutSec) * time.Second
}

// Device returns the inventory entry for name, or nil.
func (c *Config) Device(name string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i]
		}
	}
	return nil
}
