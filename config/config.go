// Package config loads the chain manager's standalone operator
// configuration: which table and IP version to own, the chain-name
// prefix, and where to find declarative chain bodies to apply on start.
// This is an ops/debugging harness around the library, not the policy
// translator that decides what rules should exist.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"

	"github.com/vincentbernat/calico/kernel"
)

// Config is the fully-resolved configuration for one chainmgrd process.
type Config struct {
	Table     string `mapstructure:"table"`
	IPVersion uint8  `mapstructure:"ip-version"`
	Prefix    string `mapstructure:"prefix"`
	ChainsDir string `mapstructure:"chains-dir"`
}

// Load resolves configuration from CHAINMGR_-prefixed environment
// variables, then the YAML file at path, then the defaults below, in that
// order of precedence. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("table", "filter")
	v.SetDefault("ip-version", 4)
	v.SetDefault("prefix", "cali-")
	v.SetDefault("chains-dir", "")

	v.SetEnvPrefix("CHAINMGR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.IPVersion != 4 && cfg.IPVersion != 6 {
		return nil, fmt.Errorf("ip-version must be 4 or 6, got %d", cfg.IPVersion)
	}
	if !kernel.IsKnownTable(cfg.Table) {
		return nil, fmt.Errorf("table %q is not one of the kernel's built-in tables", cfg.Table)
	}
	return cfg, nil
}
