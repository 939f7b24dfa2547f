// Package config holds the settings of an evidence vault and loads them from the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-evidence/pkg/spaceInformations"
)

const (
	BackendSimulated = "simulated"
	BackendEthereum  = "ethereum"

	DefaultChainID              = "default"
	DefaultKeyFileName          = "evidence.keys"
	DefaultListenAddr           = ":8080"
	DefaultConfirmationInterval = time.Second

	EnvPrefix = "EVIDENCE_"
)

type LedgerConfig struct {
	Backend               string `env:"BACKEND"`
	Difficulty            int    `env:"DIFFICULTY"`
	MaxAttempts           uint64 `env:"MAX_ATTEMPTS"`
	ConfirmationThreshold uint64 `env:"CONFIRMATION_THRESHOLD"`
	ConfirmationCap       uint64 `env:"CONFIRMATION_CAP"`
	VerifyDepth           uint64 `env:"VERIFY_DEPTH"`
	// ConfirmationInterval drives the simulated confirmation loop. Negative disables it.
	ConfirmationInterval time.Duration `env:"CONFIRMATION_INTERVAL"`
	EthereumRPC          string        `env:"ETHEREUM_RPC"`
	EthereumKeyHex       string        `env:"ETHEREUM_KEY"`
}

type Config struct {
	Paths            []string `env:"PATHS" envSeparator:","`
	MinimumFreeSpace int      `env:"MINIMUM_FREE_SPACE"` // GB
	Logger           *logrus.Logger
	LogLevel         string `env:"LOG_LEVEL"`

	ChainID string `env:"CHAIN_ID"`
	KeyFile string `env:"KEY_FILE"`
	// SealingKeyFile holds operator keys used to seal KeyFile at rest. Empty stores
	// the key backup in the clear.
	SealingKeyFile string `env:"SEALING_KEY_FILE"`
	Compress       bool   `env:"COMPRESS"`
	DataShards     uint8  `env:"DATA_SHARDS"`
	ParityShards   uint8  `env:"PARITY_SHARDS"`

	Ledger LedgerConfig `envPrefix:"LEDGER_"`

	ListenAddr       string `env:"LISTEN_ADDR"`
	MetricsNamespace string `env:"METRICS_NAMESPACE"`
}

// LoadEnv overlays EVIDENCE_* environment variables onto cfg. Unset variables keep
// the current value.
func LoadEnv(cfg *Config) error {
	// the logger is not configurable from the environment and must not be walked
	logger := cfg.Logger
	cfg.Logger = nil
	defer func() { cfg.Logger = logger }()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Check validates cfg, creates missing store directories and fills in defaults.
func (c *Config) Check() error {
	if len(c.Paths) == 0 {
		return fmt.Errorf("no paths provided in configuration")
	}

	for _, path := range c.Paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", path, err)
			}
			info, err = os.Stat(path)
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("path %s is not a directory", path)
		}

		ok, free, err := spaceInformations.HasFreeSpace(path, c.MinimumFreeSpace)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("insufficient free space at %s: %.2f GB available, %d GB required", path, free, c.MinimumFreeSpace)
		}
	}

	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.LogLevel != "" {
		level, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		c.Logger.SetLevel(level)
	}

	if c.ChainID == "" {
		c.ChainID = DefaultChainID
	}
	if c.KeyFile == "" {
		c.KeyFile = filepath.Join(c.Paths[0], DefaultKeyFileName)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}

	return c.Ledger.check()
}

func (l *LedgerConfig) check() error {
	if l.Backend == "" {
		l.Backend = BackendSimulated
	}
	if l.ConfirmationInterval == 0 {
		l.ConfirmationInterval = DefaultConfirmationInterval
	}
	if l.Difficulty < 0 {
		return fmt.Errorf("ledger difficulty must not be negative")
	}

	switch l.Backend {
	case BackendSimulated:
	case BackendEthereum:
		if l.EthereumRPC == "" || l.EthereumKeyHex == "" {
			return fmt.Errorf("ethereum ledger requires an RPC url and a signing key")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", l.Backend)
	}
	return nil
}
