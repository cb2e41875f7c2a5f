package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. OYA_NODE_LISTEN.
const EnvPrefix = "OYA_"

// Default returns the configuration used for a fresh data directory.
func Default() *Config {
	return &Config{
		Node: Node{
			ListenAddress:   ":8645",
			DataDir:         "./oya-data",
			DBBackend:       "leveldb",
			Environment:     "local",
			EventHistory:    4096,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			IdempotencyTTL:  24 * time.Hour,
		},
		Operator: Operator{
			KeystorePath:  "operator.keystore",
			PassphraseEnv: "OYA_OPERATOR_PASSPHRASE",
		},
		Controller: Controller{
			RewardTokenSymbol: "OYA",
			RewardAmount:      "0",
		},
		Auth: Auth{
			ClockSkew:    2 * time.Minute,
			CallerHeader: "X-Oya-Caller",
		},
		RateLimit: RateLimit{
			Enabled:       true,
			RatePerSecond: 20,
			Burst:         40,
		},
		Observability: Observability{
			ServiceName: "oyad",
			LogRequests: true,
			Metrics:     true,
			SampleRatio: 1,
		},
		Index: Index{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "oya-index.db",
		},
		Reports: Reports{Dir: "reports"},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the configuration at path, creating a default TOML or YAML file
// when it does not exist. Environment overrides are applied after the file
// and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	} else if err != nil {
		return nil, err
	} else if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays OYA_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeFile(path string, cfg *Config) error {
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	return nil
}

// resolvePaths anchors relative data paths: the data directory and keystore
// are relative to the config file, index and reports to the data directory.
func (cfg *Config) resolvePaths(configPath string) {
	base := filepath.Dir(configPath)
	anchor := func(dir, p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	cfg.Node.DataDir = anchor(base, cfg.Node.DataDir)
	cfg.Operator.KeystorePath = anchor(base, cfg.Operator.KeystorePath)
	cfg.Reports.Dir = anchor(cfg.Node.DataDir, cfg.Reports.Dir)
	if strings.EqualFold(cfg.Index.Driver, "sqlite") && !strings.Contains(cfg.Index.DSN, ":") {
		cfg.Index.DSN = anchor(cfg.Node.DataDir, cfg.Index.DSN)
	}
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
