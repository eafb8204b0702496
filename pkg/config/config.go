package config

// Package config provides a reusable loader for the agent's configuration,
// sourced from environment variables (prefix OPENBLOCKPERF_) and an
// optional .env file. It is versioned so that applications can depend on a
// stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"blockperf/pkg/errs"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// envPrefix is the prefix applied to every configuration environment
// variable.
const envPrefix = "OPENBLOCKPERF"

// NetworkParams describes the fixed per-network constants a sample requires
// to compute slot_time and to tag the sample's network_magic.
type NetworkParams struct {
	Magic            uint32
	GenesisStartUnix int64
	APIBaseURL       string
}

// Networks is the compiled-in table of supported networks.
var Networks = map[string]NetworkParams{
	"mainnet": {Magic: 764824073, GenesisStartUnix: 1591566291, APIBaseURL: "https://api.openblockperf.cardano.org"},
	"preprod": {Magic: 1, GenesisStartUnix: 1654041600, APIBaseURL: "https://preprod.api.openblockperf.cardano.org"},
	"preview": {Magic: 2, GenesisStartUnix: 1666656000, APIBaseURL: "https://preview.api.openblockperf.cardano.org"},
}

// Config is the single immutable configuration struct built once at startup
// and injected into every component.
type Config struct {
	APIKey      string
	APIClientID string
	APIPort     int
	APIPath     string

	Network string

	CheckInterval time.Duration
	MinAge        time.Duration

	LocalAddr string
	LocalPort int

	// ClearPeersOnRestart drops the peer map on a NodeRestarted event.
	// Default false: the map is retained and reconciled independently
	// from OS sockets.
	ClearPeersOnRestart bool

	// LogSourceBackend selects the log-source backend: "journal" or "file".
	LogSourceBackend string
	// LogSourcePath is the file path for the "file" backend, or the unit
	// name filter for the "journal" backend.
	LogSourcePath string

	LogLevel      string
	ClientVersion string
}

// NetworkParams resolves this configuration's network table entry. Only
// reachable with a network validated by Load.
func (c Config) NetworkParams() NetworkParams {
	return Networks[c.Network]
}

// APIBaseURL returns the fully qualified collector base URL for this
// configuration's network and port/path overrides.
func (c Config) APIBaseURL() string {
	return fmt.Sprintf("%s:%d%s", c.NetworkParams().APIBaseURL, c.APIPort, c.APIPath)
}

// AppConfig holds the configuration loaded via Load. Kept for parity with
// callers that expect a package-level singleton after startup.
var AppConfig Config

// Load reads configuration from the environment (optionally preceded by a
// .env file) and validates required fields and the network selection.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("API_PORT", 443)
	v.SetDefault("API_PATH", "/api/v0/")
	v.SetDefault("NETWORK", "mainnet")
	v.SetDefault("CHECK_INTERVAL", 2)
	v.SetDefault("MIN_AGE", 10)
	v.SetDefault("LOCAL_ADDR", "0.0.0.0")
	v.SetDefault("LOCAL_PORT", 3001)
	v.SetDefault("CLEAR_PEERS_ON_RESTART", false)
	v.SetDefault("LOG_SOURCE_BACKEND", "journal")
	v.SetDefault("LOG_SOURCE_PATH", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CLIENT_VERSION", "dev")

	cfg := Config{
		APIKey:              v.GetString("API_KEY"),
		APIClientID:         v.GetString("API_CLIENTID"),
		APIPort:             v.GetInt("API_PORT"),
		APIPath:             v.GetString("API_PATH"),
		Network:             v.GetString("NETWORK"),
		CheckInterval:       time.Duration(v.GetInt64("CHECK_INTERVAL")) * time.Second,
		MinAge:              time.Duration(v.GetInt64("MIN_AGE")) * time.Second,
		LocalAddr:           v.GetString("LOCAL_ADDR"),
		LocalPort:           v.GetInt("LOCAL_PORT"),
		ClearPeersOnRestart: v.GetBool("CLEAR_PEERS_ON_RESTART"),
		LogSourceBackend:    v.GetString("LOG_SOURCE_BACKEND"),
		LogSourcePath:       v.GetString("LOG_SOURCE_PATH"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		ClientVersion:       v.GetString("CLIENT_VERSION"),
	}

	if err := cfg.validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfigurationError, "load config", err)
	}
	AppConfig = cfg
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%s_API_KEY is required", envPrefix)
	}
	if _, ok := Networks[c.Network]; !ok {
		return fmt.Errorf("unknown network %q, must be one of mainnet, preprod, preview", c.Network)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.MinAge < 0 {
		return fmt.Errorf("min age must not be negative")
	}
	switch c.LogSourceBackend {
	case "journal", "file":
	default:
		return fmt.Errorf("unknown log source backend %q, must be journal or file", c.LogSourceBackend)
	}
	return nil
}
