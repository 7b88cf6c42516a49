// Package config loads the recognized pool options from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds the recognized options. Only CentralWallet, InstanceID,
// CoinbaseExtras and the two refresh intervals directly affect the core;
// PoolTarget and the vdiff_* fields are carried through for the session
// layer so a single config file validates as a whole.
type Config struct {
	CentralWallet   string `yaml:"central_wallet"`
	InstanceID      uint8  `yaml:"instance_id"`
	CoinbaseExtras  string `yaml:"coinbase_extras"` // hex-encoded

	PrevhashRefreshIntervalS int `yaml:"prevhash_refresh_interval_s"`
	MerkleRefreshIntervalS   int `yaml:"merkle_refresh_interval_s"`

	PoolTarget float64 `yaml:"pool_target"`

	VdiffMin         float64 `yaml:"vdiff_min"`
	VdiffMax         float64 `yaml:"vdiff_max"`
	VdiffTargetS     int     `yaml:"vdiff_target_s"`
	VdiffRetargetS   int     `yaml:"vdiff_retarget_s"`
	VdiffVariancePct float64 `yaml:"vdiff_variance_pct"`
}

const (
	defaultPrevhashRefreshIntervalS = 5
	defaultMerkleRefreshIntervalS   = 60
)

// LoadConfig reads and validates a YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		PrevhashRefreshIntervalS: defaultPrevhashRefreshIntervalS,
		MerkleRefreshIntervalS:   defaultMerkleRefreshIntervalS,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CentralWallet == "" {
		return fmt.Errorf("central_wallet is required")
	}
	if c.InstanceID > 31 {
		return fmt.Errorf("instance_id must be 0..31, got %d", c.InstanceID)
	}
	if c.PrevhashRefreshIntervalS <= 0 {
		return fmt.Errorf("prevhash_refresh_interval_s must be positive")
	}
	if c.MerkleRefreshIntervalS <= 0 {
		return fmt.Errorf("merkle_refresh_interval_s must be positive")
	}
	return nil
}
