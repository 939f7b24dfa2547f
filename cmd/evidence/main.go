package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	evidence "github.com/i5heu/ouroboros-evidence"
	"github.com/i5heu/ouroboros-evidence/pkg/config"
)

const (
	exitFault   = 1
	exitInvalid = 2
)

// errInvalidEvidence makes the process exit with exitInvalid.
var errInvalidEvidence = errors.New("evidence failed verification")

var (
	flagPath     string
	flagChain    string
	flagLogLevel string
	flagLedger   string
	flagCompress bool
)

var rootCmd = &cobra.Command{
	Use:           "evidence",
	Short:         "Encrypt, chain, anchor and verify evidence frames",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagPath, "path", "", "evidence store directory (default ./evidence-data)")
	rootCmd.PersistentFlags().StringVar(&flagChain, "chain", "", "evidence chain id")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLedger, "ledger", "", "ledger backend (simulated or ethereum)")
	rootCmd.PersistentFlags().BoolVar(&flagCompress, "compress", false, "compress frames before encryption")

	rootCmd.AddCommand(recordCmd, restoreCmd, verifyCmd, inspectCmd, exportCmd, exportKeyCmd, serveCmd, demoCmd)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, errInvalidEvidence) {
		os.Exit(exitInvalid)
	}
	os.Exit(exitFault)
}

// loadConfig builds the vault config from EVIDENCE_* variables overlaid by flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{MinimumFreeSpace: 1}
	if err := config.LoadEnv(cfg); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("path") || len(cfg.Paths) == 0 {
		path := flagPath
		if path == "" {
			path = "evidence-data"
		}
		cfg.Paths = []string{path}
	}
	if flags.Changed("chain") {
		cfg.ChainID = flagChain
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Backend = strings.ToLower(flagLedger)
	}
	if flags.Changed("compress") {
		cfg.Compress = flagCompress
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(os.Stderr)
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}
	return cfg, nil
}

func openVault(cmd *cobra.Command) (*evidence.Vault, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	v, err := evidence.Init(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence vault: %w", err)
	}
	return v, nil
}
