// Package config loads the process configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"
)

type Config struct {
	// ListenAddr is where the donation endpoint listens.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`

	// DBPath is the directory holding the proof ledger.
	DBPath string `env:"DB_PATH,required"`

	// Mnemonic is the master seed phrase every wallet derives from.
	Mnemonic string `env:"MNEMONIC,required"`

	// LightningAddress receives the melted balance.
	LightningAddress string `env:"LIGHTNING_ADDRESS,required"`

	// LNURLScheme is the scheme used to reach the lightning address's
	// lnurl service. Anything other than https only makes sense for
	// services on a private network.
	LNURLScheme string `env:"LNURL_SCHEME" envDefault:"https"`

	// MeltThresholds maps currency units to their melt threshold,
	// e.g. "sat=1000,usd=500".
	MeltThresholds map[string]uint64 `env:"MELT_THRESHOLDS" envSeparator:"," envKeyValSeparator:"="`

	// DefaultMeltThreshold applies to units missing from MeltThresholds.
	// Zero disables melting for those units.
	DefaultMeltThreshold uint64 `env:"DEFAULT_MELT_THRESHOLD" envDefault:"0"`

	LogFile string `env:"LOG_FILE"`

	// MintTimeoutSeconds bounds every call to a mint or lnurl service.
	MintTimeoutSeconds uint `env:"MINT_TIMEOUT_SECONDS" envDefault:"30"`
}

// Timeout is the bound applied to every mint and lnurl call.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.MintTimeoutSeconds) * time.Second
}

// Threshold returns the melt threshold for a unit, falling back to the
// default. Zero means melting is disabled for the unit.
func (c *Config) Threshold(unit string) uint64 {
	if threshold, ok := c.MeltThresholds[unit]; ok {
		return threshold
	}
	return c.DefaultMeltThreshold
}

func Load() (*Config, error) {
	// missing .env is fine, the environment may be set directly
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if !bip39.IsMnemonicValid(cfg.Mnemonic) {
		return nil, errors.New("MNEMONIC is not a valid seed phrase")
	}

	return cfg, nil
}
