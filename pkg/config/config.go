package config

// Package config provides a reusable loader for client configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"autonomi/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified client configuration (§6.4).
type Config struct {
	NetworkID          int    `mapstructure:"network_id" json:"network_id"`
	TimeoutS           int    `mapstructure:"timeout_s" json:"timeout_s"`
	NoVerify           bool   `mapstructure:"no_verify" json:"no_verify"`
	Merkle             bool   `mapstructure:"merkle" json:"merkle"`
	SingleNodePayment  bool   `mapstructure:"single_node_payment" json:"single_node_payment"`
	MaxFeePerGas       string `mapstructure:"max_fee_per_gas" json:"max_fee_per_gas"`
	RetryFailed        int    `mapstructure:"retry_failed" json:"retry_failed"`
	Quorum             string `mapstructure:"quorum" json:"quorum"`
	Retries            int    `mapstructure:"retries" json:"retries"`
	ChunkCacheDir      string `mapstructure:"chunk_cache_dir" json:"chunk_cache_dir"`
	LogFormat          string `mapstructure:"log_format" json:"log_format"`
	OpLogPath          string `mapstructure:"op_log_path" json:"op_log_path"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"network" json:"network"`
}

// Defaults applied when a key is absent from every config source (§6.4).
const (
	defaultNetworkID     = 0 // local
	defaultTimeoutS      = 30
	defaultRetryFailed   = 2
	defaultRetries       = 3
	defaultQuorum        = "majority"
	defaultMaxFeePerGas  = "market"
	defaultLogFormat     = "default"
	defaultChunkCacheDir = ""
)

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides, then applies the §6.4 defaults for anything left unset. The
// resulting configuration is stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	viper.SetDefault("network_id", defaultNetworkID)
	viper.SetDefault("timeout_s", defaultTimeoutS)
	viper.SetDefault("retry_failed", defaultRetryFailed)
	viper.SetDefault("retries", defaultRetries)
	viper.SetDefault("quorum", defaultQuorum)
	viper.SetDefault("max_fee_per_gas", defaultMaxFeePerGas)
	viper.SetDefault("log_format", defaultLogFormat)
	viper.SetDefault("chunk_cache_dir", defaultChunkCacheDir)

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("autonomi")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if err := Validate(&AppConfig); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the AUTONOMI_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("AUTONOMI_ENV", ""))
}

// Validate checks the enumerated bounds from §6.4.
func Validate(c *Config) error {
	if c.NetworkID < 0 || c.NetworkID > 255 {
		return fmt.Errorf("network_id must be 0-255, got %d", c.NetworkID)
	}
	if c.TimeoutS < 0 || c.TimeoutS > 999 {
		return fmt.Errorf("timeout_s must be 0-999, got %d", c.TimeoutS)
	}
	switch c.LogFormat {
	case "", "default", "json":
	default:
		return fmt.Errorf("log_format must be default or json, got %q", c.LogFormat)
	}
	return nil
}
