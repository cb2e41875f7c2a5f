package config

import (
	"fmt"
	"math/big"
	"strings"

	"oyamarket/crypto"
)

// MinHMACSecretLength bounds the JWT signing secret when auth is enabled.
const MinHMACSecretLength = 32

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Node.ListenAddress) == "" {
		return fmt.Errorf("node: listen address required")
	}
	switch strings.ToLower(cfg.Node.DBBackend) {
	case "leveldb":
		if strings.TrimSpace(cfg.Node.DataDir) == "" {
			return fmt.Errorf("node: data dir required for leveldb backend")
		}
	case "memory":
	default:
		return fmt.Errorf("node: unsupported db backend %q", cfg.Node.DBBackend)
	}
	if cfg.Node.EventHistory < 0 {
		return fmt.Errorf("node: event history must be non-negative")
	}

	for name, value := range map[string]string{
		"controller.address":     cfg.Controller.Address,
		"controller.updater":     cfg.Controller.Updater,
		"controller.arbitrator":  cfg.Controller.Arbitrator,
		"controller.rewardToken": cfg.Controller.RewardToken,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := crypto.ParseAddress(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := cfg.Controller.RewardAmountValue(); err != nil {
		return err
	}

	if cfg.Auth.Enabled && len(cfg.Auth.HMACSecret) < MinHMACSecretLength {
		return fmt.Errorf("auth: hmac secret must be at least %d bytes when enabled", MinHMACSecretLength)
	}
	if !cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.CallerHeader) == "" {
		return fmt.Errorf("auth: caller header required when auth is disabled")
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RatePerSecond <= 0 || cfg.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit: rate and burst must be positive")
	}
	if cfg.Observability.SampleRatio < 0 || cfg.Observability.SampleRatio > 1 {
		return fmt.Errorf("observability: sample ratio must be within [0, 1]")
	}

	if cfg.Index.Enabled {
		switch strings.ToLower(cfg.Index.Driver) {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("index: unsupported driver %q", cfg.Index.Driver)
		}
		if strings.TrimSpace(cfg.Index.DSN) == "" {
			return fmt.Errorf("index: dsn required")
		}
	}
	if cfg.Reports.Nightly {
		if !cfg.Index.Enabled {
			return fmt.Errorf("reports: nightly export requires the index")
		}
		if cfg.Reports.RunHour < 0 || cfg.Reports.RunHour > 23 {
			return fmt.Errorf("reports: run hour must be within [0, 23]")
		}
	}
	return nil
}

// RewardAmountValue parses the configured reward amount.
func (c Controller) RewardAmountValue() (*big.Int, error) {
	raw := strings.TrimSpace(c.RewardAmount)
	if raw == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("controller: reward amount must be a non-negative integer")
	}
	return amount, nil
}
