// Package config implements C11's configuration loading half: a viper-backed
// loader mirroring the teacher's pkg/config.Load(env), adapted from a single
// blockchain-node config file to this module's storage/transport keys.
package config

import (
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"firma-sign/core/internal/fsutil"
)

// Config is the unified runtime configuration for one firma-sign node.
type Config struct {
	StoragePath string `mapstructure:"storagePath" json:"storagePath"`
	DatabasePath string `mapstructure:"databasePath" json:"databasePath"`
	RateLimit   int    `mapstructure:"rateLimit" json:"rateLimit"`
	CORSOrigin  string `mapstructure:"corsOrigin" json:"corsOrigin"`
	LogLevel    string `mapstructure:"logLevel" json:"logLevel"`

	// Transports is the { transportName -> config } map the Transport
	// Registry's Configure consumes directly, per the "Configuration keys"
	// section: "each transport declares its requiredConfig; the registry
	// rejects startup if any required key is missing."
	Transports map[string]map[string]any `mapstructure:"transports" json:"transports"`
}

// defaults mirrors the defaults scattered through §4 (500MB blob cap lives in
// the blob store itself; these are the node-level knobs).
func defaults() Config {
	return Config{
		StoragePath:  "./data/blobs",
		DatabasePath: "./data/firma-sign.db",
		RateLimit:    100,
		CORSOrigin:   "*",
		LogLevel:     "info",
		Transports: map[string]map[string]any{
			"p2p": {"listenAddr": "/ip4/0.0.0.0/tcp/0"},
		},
	}
}

// Load reads config/default.yaml, optionally merges config/<env>.yaml, then
// applies FIRMASIGN_-prefixed environment variable overrides, the same
// default-then-merge-then-env sequence as the teacher's pkg/config.Load.
// A .env file in the working directory is read first via godotenv so
// AutomaticEnv sees its values, exactly as the teacher's Load comment
// describes ("picks up from .env").
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range structToMap(defaults()) {
		v.SetDefault(key, val)
	}

	v.SetConfigName("default")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fsutil.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fsutil.Wrap(err, "merge "+env+" config")
			}
		}
	}

	v.SetEnvPrefix("FIRMASIGN")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fsutil.Wrap(err, "unmarshal config")
	}
	if cfg.Transports == nil {
		cfg.Transports = defaults().Transports
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the FIRMASIGN_ENV environment
// variable to select the overlay file, mirroring the teacher's
// LoadFromEnv/SYNN_ENV convention.
func LoadFromEnv() (*Config, error) {
	return Load(fsutil.EnvOrDefault("FIRMASIGN_ENV", ""))
}

func structToMap(c Config) map[string]any {
	return map[string]any{
		"storagePath":  c.StoragePath,
		"databasePath": c.DatabasePath,
		"rateLimit":    c.RateLimit,
		"corsOrigin":   c.CORSOrigin,
		"logLevel":     c.LogLevel,
		"transports":   c.Transports,
	}
}
