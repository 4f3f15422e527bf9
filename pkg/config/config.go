package config

// Package config provides a reusable loader for FamilySync configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/familysync/corekit/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a FamilySync replica. Its
// mapstructure tags give the YAML keys Load reads from default.yaml (and an
// optional <env>.yaml) in cmd/familysync/config or config.
type Config struct {
	Device struct {
		ID                  string `mapstructure:"id" json:"id"`
		BluetoothIdentifier string `mapstructure:"bluetooth_identifier" json:"bluetooth_identifier"`
		CustomName          string `mapstructure:"custom_name" json:"custom_name"`
	} `mapstructure:"device" json:"device"`

	Sync struct {
		ChunkTimeoutMS    int `mapstructure:"chunk_timeout_ms" json:"chunk_timeout_ms"`
		WallClockTimeoutS int `mapstructure:"wall_clock_timeout_s" json:"wall_clock_timeout_s"`
		MaxChunkRetries   int `mapstructure:"max_chunk_retries" json:"max_chunk_retries"`
		MaxRetryAttempts  int `mapstructure:"max_retry_attempts" json:"max_retry_attempts"`
		Window            int `mapstructure:"window" json:"window"`
	} `mapstructure:"sync" json:"sync"`

	Merge struct {
		Preference            string `mapstructure:"preference" json:"preference"`
		PreserveDeletedFields  bool   `mapstructure:"preserve_deleted_fields" json:"preserve_deleted_fields"`
	} `mapstructure:"merge" json:"merge"`

	Storage struct {
		HistoryRetentionDays int `mapstructure:"history_retention_days" json:"history_retention_days"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns a Config populated with the documented defaults for
// device sync, retry and storage tuning.
func Default() Config {
	var c Config
	c.Sync.ChunkTimeoutMS = 5000
	c.Sync.WallClockTimeoutS = 60
	c.Sync.MaxChunkRetries = 3
	c.Sync.MaxRetryAttempts = 3
	c.Sync.Window = 8
	c.Merge.Preference = "manual"
	c.Merge.PreserveDeletedFields = true
	c.Storage.HistoryRetentionDays = 365
	c.Logging.Level = "info"
	return c
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	AppConfig = Default()

	_ = godotenv.Load() // optional local device identity overrides

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/familysync/config")
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

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the FAMILYSYNC_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("FAMILYSYNC_ENV", ""))
}
