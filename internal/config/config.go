// Package config provides configuration management for mockcloud.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with MC_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./configs/config.yaml, ~/.mockcloud/config.yaml, /etc/mockcloud/config.yaml)
//  3. .env files
//  4. Environment variables (MC_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Servers root: %s\n", cfg.Fleet.ServersRoot)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use MC_ prefix and underscores for nested keys:
//   - MC_SERVER_PORT=8095
//   - MC_FLEET_SERVERS_ROOT=/zones/mockcloud/servers
//   - MC_EVENTS_NATS_URL=nats://localhost:4222
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"evalgo.org/mockcloud/internal/version"
)

// Config is the root configuration structure for mockcloud.
type Config struct {
	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Fleet contains node directory and ledger settings
	Fleet FleetConfig `mapstructure:"fleet" yaml:"fleet"`

	// Network contains address-assignment settings
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// Booter contains boot-parameter server settings
	Booter BooterConfig `mapstructure:"booter" yaml:"booter"`

	// Metadata contains host metadata lookup settings
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// Profiles contains the hardware profile catalog location
	Profiles ProfilesConfig `mapstructure:"profiles" yaml:"profiles"`

	// Agents contains settings for the simulated per-node agents
	Agents AgentsConfig `mapstructure:"agents" yaml:"agents"`

	// Events contains fleet event publishing settings
	Events EventsConfig `mapstructure:"events" yaml:"events"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Security contains rate limiting and CORS settings
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port" yaml:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// CreateTimeout bounds one node-creation transaction (0 = unbounded)
	CreateTimeout time.Duration `mapstructure:"create_timeout" yaml:"create_timeout"`

	// Debug enables debug logging and detailed internal error bodies
	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// FleetConfig contains node directory and ledger settings.
type FleetConfig struct {
	// ServersRoot holds one directory per simulated node
	ServersRoot string `mapstructure:"servers_root" yaml:"servers_root"`

	// LedgerPath is the identity ledger file
	LedgerPath string `mapstructure:"ledger_path" yaml:"ledger_path"`

	// Watch enables filesystem notifications on ServersRoot
	Watch bool `mapstructure:"watch" yaml:"watch"`

	// RescanInterval triggers periodic reconciliation (0 disables it)
	RescanInterval time.Duration `mapstructure:"rescan_interval" yaml:"rescan_interval"`

	// SDCVersion is the version string given to new nodes
	SDCVersion string `mapstructure:"sdc_version" yaml:"sdc_version"`
}

// NetworkConfig contains address-assignment settings.
type NetworkConfig struct {
	// Assigner selects the address collaborator: "pool" or "http"
	Assigner string `mapstructure:"assigner" yaml:"assigner"`

	// PoolCIDR is the admin network used by the in-process pool assigner
	PoolCIDR string `mapstructure:"pool_cidr" yaml:"pool_cidr"`

	// PoolServerHost is reported as the responding address server for pool leases
	PoolServerHost string `mapstructure:"pool_server_host" yaml:"pool_server_host"`

	// AssignerURL is the base URL of the HTTP address service
	AssignerURL string `mapstructure:"assigner_url" yaml:"assigner_url"`

	// Timeout bounds each address request
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BooterConfig contains boot-parameter server settings.
type BooterConfig struct {
	// Port is the boot server's HTTP port on the responding address host
	Port int `mapstructure:"port" yaml:"port"`

	// Timeout bounds each boot parameter fetch
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetadataConfig contains host metadata lookup settings.
type MetadataConfig struct {
	// Command is run with the key as its last argument when a key has no static value
	Command []string `mapstructure:"command" yaml:"command"`

	// Static values take precedence over Command
	Static map[string]string `mapstructure:"static" yaml:"static"`
}

// ProfilesConfig contains the hardware profile catalog location.
type ProfilesConfig struct {
	// CatalogPath overrides the built-in catalog when set
	CatalogPath string `mapstructure:"catalog_path" yaml:"catalog_path"`
}

// AgentsConfig contains settings for the simulated per-node agents.
type AgentsConfig struct {
	// UUIDEnv is the environment variable carrying the node UUID into spawned commands
	UUIDEnv string `mapstructure:"uuid_env" yaml:"uuid_env"`

	// HeartbeatInterval is the registration agent heartbeat period
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// StartupCommands are run by each task agent when its sandbox starts
	StartupCommands [][]string `mapstructure:"startup_commands" yaml:"startup_commands"`
}

// EventsConfig contains fleet event publishing settings.
type EventsConfig struct {
	// NATSURL enables publishing fleet events to NATS when set
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`

	// SubjectPrefix is prepended to every event subject
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format" yaml:"format"`
}

// SecurityConfig contains rate limiting and CORS settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MC_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.mockcloud")
		v.AddConfigPath("/etc/mockcloud")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			// An explicit file that does not exist falls back to defaults
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("MC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.create_timeout", "60s")
	v.SetDefault("server.debug", false)

	v.SetDefault("fleet.servers_root", "./data/servers")
	v.SetDefault("fleet.ledger_path", "./data/mock_ledger.json")
	v.SetDefault("fleet.watch", false)
	v.SetDefault("fleet.rescan_interval", "0s")
	v.SetDefault("fleet.sdc_version", version.SDCVersion)

	v.SetDefault("network.assigner", "pool")
	v.SetDefault("network.pool_cidr", "10.99.99.0/24")
	v.SetDefault("network.pool_server_host", "127.0.0.1")
	v.SetDefault("network.timeout", "10s")

	v.SetDefault("booter.port", 80)
	v.SetDefault("booter.timeout", "10s")

	v.SetDefault("metadata.command", []string{"mdata-get"})
	v.SetDefault("metadata.static", map[string]string{
		"mac_prefix":      "06:de:ad",
		"datacenter_name": "coal",
		"live_image":      "20231101T000000Z",
	})

	v.SetDefault("agents.uuid_env", "MOCKCN_SERVER_UUID")
	v.SetDefault("agents.heartbeat_interval", "5s")

	v.SetDefault("events.subject_prefix", "mockcloud")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.allowed_origins", []string{"*"})
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Fleet.ServersRoot == "" {
		return fmt.Errorf("fleet servers_root is required")
	}

	if cfg.Fleet.LedgerPath == "" {
		return fmt.Errorf("fleet ledger_path is required")
	}

	if cfg.Fleet.RescanInterval < 0 {
		return fmt.Errorf("fleet rescan_interval cannot be negative")
	}

	switch cfg.Network.Assigner {
	case "pool":
		if _, _, err := net.ParseCIDR(cfg.Network.PoolCIDR); err != nil {
			return fmt.Errorf("invalid network pool_cidr %q: %w", cfg.Network.PoolCIDR, err)
		}
	case "http":
		if cfg.Network.AssignerURL == "" {
			return fmt.Errorf("network assigner_url is required for the http assigner")
		}
	default:
		return fmt.Errorf("unknown network assigner: %q", cfg.Network.Assigner)
	}

	if cfg.Booter.Port < 1 || cfg.Booter.Port > 65535 {
		return fmt.Errorf("invalid booter port: %d", cfg.Booter.Port)
	}

	if cfg.Agents.UUIDEnv == "" {
		return fmt.Errorf("agents uuid_env is required")
	}

	return nil
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	return cfg
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
