package ouroborosevidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	crypt "github.com/i5heu/ouroboros-crypt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-evidence/internal/cipher"
	"github.com/i5heu/ouroboros-evidence/internal/frame"
	"github.com/i5heu/ouroboros-evidence/internal/ledger"
	"github.com/i5heu/ouroboros-evidence/internal/ledger/ethledger"
	"github.com/i5heu/ouroboros-evidence/internal/metrics"
	"github.com/i5heu/ouroboros-evidence/internal/pipeline"
	"github.com/i5heu/ouroboros-evidence/internal/store"
	"github.com/i5heu/ouroboros-evidence/internal/verifier"
	"github.com/i5heu/ouroboros-evidence/pkg/config"
	"github.com/i5heu/ouroboros-evidence/pkg/spaceInformations"
)

var log *logrus.Logger

type (
	Config         = config.Config
	LedgerConfig   = config.LedgerConfig
	Frame          = frame.Frame
	Metadata       = frame.Metadata
	Location       = frame.Location
	Resolution     = frame.Resolution
	EncryptedFrame = frame.EncryptedFrame
	AnchorRef      = ledger.AnchorRef
	Result         = verifier.Result
	CourtReport    = verifier.CourtReport
	ChainStats     = store.ChainStats
)

// Vault records frames of one evidence chain into an encrypted, anchored and
// redundantly stored log, and verifies that log on demand.
type Vault struct {
	config   Config
	store    *store.Store
	ledger   ledger.Ledger
	sim      *ledger.Simulated
	pipeline *pipeline.Pipeline
	verifier *verifier.Verifier
	registry *prometheus.Registry
	metrics  *metrics.Collector
	log      *logrus.Entry

	stopLoop func()

	// recordMu keeps sequence assignment, anchoring and persistence in chain order.
	recordMu sync.Mutex
	nextSeq  uint64

	closeOnce sync.Once
	closeErr  error
}

func Init(cfg *Config) (*Vault, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	log = cfg.Logger

	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("error checking config for evidence vault: %w", err)
	}
	entry := logrus.NewEntry(log).WithField("chain", cfg.ChainID)

	if err := spaceInformations.DisplayDiskUsage(entry, cfg.Paths); err != nil {
		return nil, err
	}

	st, err := store.Open(store.Options{
		Path:             cfg.Paths[0],
		DataShards:       cfg.DataShards,
		ParityShards:     cfg.ParityShards,
		MinimumFreeSpace: cfg.MinimumFreeSpace,
		Logger:           entry,
	})
	if err != nil {
		return nil, err
	}

	v := &Vault{
		config:   *cfg,
		store:    st,
		registry: prometheus.NewRegistry(),
		log:      entry.WithField("component", "vault"),
	}
	if err := v.wire(entry); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func (v *Vault) wire(entry *logrus.Entry) error {
	cfg := v.config

	collector, err := metrics.NewCollector(v.registry, cfg.MetricsNamespace)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	v.metrics = collector

	keys, err := loadOrCreateKeys(cfg, entry)
	if err != nil {
		return err
	}

	switch cfg.Ledger.Backend {
	case config.BackendEthereum:
		l, err := ethledger.Dial(context.Background(), cfg.Ledger.EthereumRPC, cfg.Ledger.EthereumKeyHex, ethledger.Options{
			VerifyDepth: cfg.Ledger.VerifyDepth,
			Logger:      entry,
		})
		if err != nil {
			return err
		}
		v.ledger = l
	default:
		sim, err := ledger.NewSimulated(ledger.SimulatedConfig{
			Difficulty:  cfg.Ledger.Difficulty,
			MaxAttempts: cfg.Ledger.MaxAttempts,
			Threshold:   cfg.Ledger.ConfirmationThreshold,
			Cap:         cfg.Ledger.ConfirmationCap,
			VerifyDepth: cfg.Ledger.VerifyDepth,
			Journal:     v.store,
			Logger:      entry,
		})
		if err != nil {
			return err
		}
		v.sim, v.ledger = sim, sim
		if cfg.Ledger.ConfirmationInterval > 0 {
			v.stopLoop = sim.StartConfirmationLoop(context.Background(), cfg.Ledger.ConfirmationInterval)
		}
	}

	last, found, err := v.store.LastFrame(cfg.ChainID)
	if err != nil {
		return err
	}
	prev := ""
	v.nextSeq = 1
	if found {
		prev = last.ContentHash
		v.nextSeq = last.Sequence + 1
	}

	v.pipeline, err = pipeline.New(pipeline.Options{
		Keys:         &keys,
		Ledger:       v.ledger,
		Compress:     cfg.Compress,
		PreviousHash: prev,
		Metrics:      collector,
		Logger:       entry,
	})
	if err != nil {
		return err
	}

	v.verifier = verifier.New(v.ledger, v.pipeline, verifier.Options{
		Metrics: collector,
		Logger:  entry,
	})

	v.log.WithFields(logrus.Fields{
		"ledger":   cfg.Ledger.Backend,
		"next_seq": v.nextSeq,
		"compress": cfg.Compress,
	}).Info("Evidence vault ready")
	return nil
}

// loadOrCreateKeys reads the key file of cfg, generating and saving a new key pair
// when none exists yet.
func loadOrCreateKeys(cfg Config, entry *logrus.Entry) (cipher.KeyPair, error) {
	var sealer *crypt.Crypt
	if cfg.SealingKeyFile != "" {
		var err error
		sealer, err = loadOrCreateSealer(cfg.SealingKeyFile)
		if err != nil {
			return cipher.KeyPair{}, err
		}
	}

	keys, err := cipher.LoadKeyFile(cfg.KeyFile, sealer)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return cipher.KeyPair{}, fmt.Errorf("failed to load keys: %w", err)
	}

	keys, err = cipher.New().GenerateKeyPair()
	if err != nil {
		return cipher.KeyPair{}, err
	}
	if err := cipher.SaveKeyFile(cfg.KeyFile, keys.Export(), sealer); err != nil {
		return cipher.KeyPair{}, err
	}
	entry.WithField("key_file", cfg.KeyFile).Info("Created new evidence keys")
	return keys, nil
}

func loadOrCreateSealer(path string) (*crypt.Crypt, error) {
	if _, err := os.Stat(path); err == nil {
		c, err := crypt.NewFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load sealing keys from %s: %w", path, err)
		}
		return c, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to check sealing key file %s: %w", path, err)
	}

	c := crypt.New()
	if err := c.Keys.SaveToFile(path); err != nil {
		return nil, fmt.Errorf("failed to save sealing keys to %s: %w", path, err)
	}
	return c, nil
}

// Ledger returns the ledger frames are anchored on.
func (v *Vault) Ledger() ledger.Ledger {
	return v.ledger
}

// Simulated returns the simulated ledger, or nil when the vault anchors elsewhere.
func (v *Vault) Simulated() *ledger.Simulated {
	return v.sim
}

// Gatherer exposes the vault's metrics for scraping.
func (v *Vault) Gatherer() prometheus.Gatherer {
	return v.registry
}

func (v *Vault) ChainID() string {
	return v.config.ChainID
}

// ExportKeys returns the vault's key backup.
func (v *Vault) ExportKeys() (cipher.KeyBackup, error) {
	return v.pipeline.ExportKeys()
}

func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		if v.stopLoop != nil {
			v.stopLoop()
		}
		if v.pipeline != nil {
			v.pipeline.Close()
		}
		v.closeErr = v.store.Close()
	})
	return v.closeErr
}
