// Package config loads diffr settings from ~/.diffr/config.yaml, DIFFR_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/diffr-sync/diffr/discovery"
	dsync "github.com/diffr-sync/diffr/sync"
)

// EnvPrefix prefixes every environment override, e.g. DIFFR_DB_PATH.
const EnvPrefix = "DIFFR"

// Config is the resolved configuration.
type Config struct {
	Home                    string                `mapstructure:"home"`
	DBPath                  string                `mapstructure:"db_path"`
	CachePath               string                `mapstructure:"cache_path"`
	LogDir                  string                `mapstructure:"log_dir"`
	DefaultTopology         string                `mapstructure:"default_topology"`
	DefaultConflictStrategy string                `mapstructure:"default_conflict_strategy"`
	DeletesAsConflicts      bool                  `mapstructure:"deletes_as_conflicts"`
	VerifyAfterSync         bool                  `mapstructure:"verify_after_sync"`
	Workers                 int                   `mapstructure:"workers"`
	Retention               dsync.RetentionPolicy `mapstructure:"retention"`
	Discovery               DiscoveryConfig       `mapstructure:"discovery"`
}

// DiscoveryConfig selects how connected drives are found.
type DiscoveryConfig struct {
	Mode   string                  `mapstructure:"mode"` // auto | static
	TTL    time.Duration           `mapstructure:"ttl"`
	Drives []discovery.StaticDrive `mapstructure:"drives"`
}

// DefaultHome returns ~/.diffr, or $DIFFR_HOME when set.
func DefaultHome() (string, error) {
	if h := os.Getenv(EnvPrefix + "_HOME"); h != "" {
		return homedir.Expand(h)
	}
	return homedir.Expand("~/.diffr")
}

// SetDefaults registers every key's default relative to home.
func SetDefaults(v *viper.Viper, home string) {
	v.SetDefault("home", home)
	v.SetDefault("db_path", filepath.Join(home, "diffr.db"))
	v.SetDefault("cache_path", filepath.Join(home, "digests.db"))
	v.SetDefault("log_dir", filepath.Join(home, "logs"))
	v.SetDefault("default_topology", string(dsync.TopologyMesh))
	v.SetDefault("default_conflict_strategy", string(dsync.StrategyNewestWins))
	v.SetDefault("deletes_as_conflicts", false)
	v.SetDefault("verify_after_sync", false)
	v.SetDefault("workers", 4)
	v.SetDefault("retention.max_versions", 10)
	v.SetDefault("retention.max_age_days", 90)
	v.SetDefault("retention.max_total_bytes", 0)
	v.SetDefault("discovery.mode", "auto")
	v.SetDefault("discovery.ttl", 30*time.Second)
}

// Load reads configuration into v. file overrides the default location
// <home>/config.yaml; a missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	home, err := DefaultHome()
	if err != nil {
		return nil, fmt.Errorf("resolve home: %w", err)
	}
	SetDefaults(v, home)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for _, p := range []*string{&cfg.DBPath, &cfg.CachePath, &cfg.LogDir} {
		if *p, err = homedir.Expand(*p); err != nil {
			return nil, fmt.Errorf("expand path: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown enum values and negative limits.
func (c *Config) Validate() error {
	if _, err := dsync.ParseTopology(c.DefaultTopology); err != nil {
		return fmt.Errorf("default_topology: %w", err)
	}
	if _, err := dsync.ParseStrategy(c.DefaultConflictStrategy); err != nil {
		return fmt.Errorf("default_conflict_strategy: %w", err)
	}
	if c.Retention.MaxVersions < 0 || c.Retention.MaxAgeDays < 0 || c.Retention.MaxTotalBytes < 0 {
		return fmt.Errorf("retention limits must not be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	switch c.Discovery.Mode {
	case "auto", "static":
	default:
		return fmt.Errorf("discovery.mode: unknown mode %q", c.Discovery.Mode)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is empty")
	}
	return nil
}

// NewDiscovery builds the configured drive discovery.
func (c *Config) NewDiscovery(fs afero.Fs) dsync.Discovery {
	if c.Discovery.Mode == "static" {
		return discovery.NewStatic(fs, c.Discovery.Drives)
	}
	return discovery.NewAuto(fs, c.Discovery.TTL)
}
