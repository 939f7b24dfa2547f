package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCreatesDirectory(t *testing.T) {
	base := t.TempDir()
	missing := filepath.Join(base, "nested", "store")

	cfg := &Config{Paths: []string{missing}}
	require.NoError(t, cfg.Check())

	info, err := os.Stat(missing)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestCheckRejectsBadPaths(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Check())

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o600))
	cfg = &Config{Paths: []string{file}}
	assert.Error(t, cfg.Check())

	cfg = &Config{Paths: []string{t.TempDir()}, MinimumFreeSpace: math.MaxInt32}
	assert.Error(t, cfg.Check())
}

func TestCheckAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Paths: []string{dir}}
	require.NoError(t, cfg.Check())

	require.NotNil(t, cfg.Logger)
	require.Equal(t, DefaultChainID, cfg.ChainID)
	require.Equal(t, filepath.Join(dir, DefaultKeyFileName), cfg.KeyFile)
	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	require.Equal(t, BackendSimulated, cfg.Ledger.Backend)
	require.Equal(t, DefaultConfirmationInterval, cfg.Ledger.ConfirmationInterval)
}

func TestCheckLedgerBackends(t *testing.T) {
	cfg := &Config{Paths: []string{t.TempDir()}, Ledger: LedgerConfig{Backend: "carrier-pigeon"}}
	assert.Error(t, cfg.Check())

	cfg = &Config{Paths: []string{t.TempDir()}, Ledger: LedgerConfig{Backend: BackendEthereum}}
	assert.Error(t, cfg.Check())

	cfg = &Config{Paths: []string{t.TempDir()}, Ledger: LedgerConfig{
		Backend:        BackendEthereum,
		EthereumRPC:    "http://127.0.0.1:8545",
		EthereumKeyHex: "0x01",
	}}
	assert.NoError(t, cfg.Check())
}

func TestCheckLogLevel(t *testing.T) {
	cfg := &Config{Paths: []string{t.TempDir()}, LogLevel: "warn"}
	require.NoError(t, cfg.Check())
	require.Equal(t, logrus.WarnLevel, cfg.Logger.GetLevel())

	cfg = &Config{Paths: []string{t.TempDir()}, LogLevel: "loud"}
	require.Error(t, cfg.Check())
}

func TestLoadEnvOverlays(t *testing.T) {
	t.Setenv("EVIDENCE_PATHS", "/tmp/a,/tmp/b")
	t.Setenv("EVIDENCE_CHAIN_ID", "cam-7")
	t.Setenv("EVIDENCE_COMPRESS", "true")
	t.Setenv("EVIDENCE_LEDGER_DIFFICULTY", "3")
	t.Setenv("EVIDENCE_LEDGER_CONFIRMATION_INTERVAL", "250ms")

	cfg := Config{KeyFile: "/keys/evidence.keys", MinimumFreeSpace: 2}
	require.NoError(t, LoadEnv(&cfg))

	require.Equal(t, []string{"/tmp/a", "/tmp/b"}, cfg.Paths)
	require.Equal(t, "cam-7", cfg.ChainID)
	require.True(t, cfg.Compress)
	require.Equal(t, 3, cfg.Ledger.Difficulty)
	require.Equal(t, 250*time.Millisecond, cfg.Ledger.ConfirmationInterval)
	require.Equal(t, "/keys/evidence.keys", cfg.KeyFile, "unset variables keep their value")
	require.Equal(t, 2, cfg.MinimumFreeSpace)
}

func TestLoadEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("EVIDENCE_LEDGER_DIFFICULTY", "hard")
	var cfg Config
	require.Error(t, LoadEnv(&cfg))
}
