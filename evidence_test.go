package ouroborosevidence

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-evidence/internal/ledger"
	"github.com/i5heu/ouroboros-evidence/internal/pipeline"
	"github.com/i5heu/ouroboros-evidence/internal/store"
)

func testConfig(dir string) *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		Paths:  []string{dir},
		Logger: logger,
		Ledger: LedgerConfig{Difficulty: 1, ConfirmationInterval: -1},
	}
}

func setupVault(t *testing.T, mutate func(*Config)) (*Vault, string, func()) {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	if mutate != nil {
		mutate(cfg)
	}

	v, err := Init(cfg)
	require.NoError(t, err)
	return v, dir, func() { assert.NoError(t, v.Close()) }
}

func testFrame(i int) Frame {
	return Frame{
		Timestamp: int64(1_700_000_000_000 + i*40),
		Payload:   []byte(fmt.Sprintf("frame payload %d", i)),
		Metadata: Metadata{
			DeviceID:   "cam-lobby",
			Location:   &Location{Lat: 52.52, Lng: 13.405},
			Resolution: Resolution{Width: 1920, Height: 1080},
			Codec:      "h264",
			FrameRate:  25,
		},
	}
}

func recordFrames(t *testing.T, v *Vault, n int) []EncryptedFrame {
	t.Helper()
	var out []EncryptedFrame
	for i := 1; i <= n; i++ {
		ef, err := v.Record(context.Background(), testFrame(i))
		require.NoError(t, err)
		out = append(out, ef)
	}
	return out
}

func TestRecordAssignsSequencesAndLinks(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	frames := recordFrames(t, v, 3)
	for i, ef := range frames {
		require.Equal(t, uint64(i+1), ef.Sequence)
		if i > 0 {
			require.Equal(t, frames[i-1].ContentHash, ef.PreviousHash)
		}
	}

	stored, err := v.EncryptedFrame(2)
	require.NoError(t, err)
	require.Equal(t, frames[1], stored)
}

func TestRestoreRequiresConfirmedAnchor(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	recordFrames(t, v, 1)
	_, err := v.Restore(context.Background(), 1)
	require.ErrorIs(t, err, pipeline.ErrAnchorVerificationFailed)

	v.Simulated().Advance(1)
	f, err := v.Restore(context.Background(), 1)
	require.NoError(t, err)
	want := testFrame(1)
	want.Sequence = 1
	require.Equal(t, want, f)

	_, err = v.Restore(context.Background(), 9)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreRange(t *testing.T) {
	v, _, cleanup := setupVault(t, func(c *Config) { c.Compress = true })
	defer cleanup()

	recordFrames(t, v, 4)
	v.Simulated().Advance(1)

	frames, err := v.RestoreRange(context.Background(), 2, 4)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, []byte("frame payload 3"), frames[1].Payload)

	_, err = v.RestoreRange(context.Background(), 3, 2)
	require.Error(t, err)
}

func TestVerifyPersistsReport(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	frames := recordFrames(t, v, 3)
	v.Simulated().Advance(1)

	res, err := v.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsValid, res.TamperEvidence)
	require.Equal(t, 3, res.FrameCount)
	require.Equal(t, frames[0].AnchorRefs[0].TransactionRef, res.Report.CustodyEntries[0].BlockchainRef)

	stored, err := v.Report(res.Report.EvidenceID)
	require.NoError(t, err)
	require.Equal(t, res.IsValid, stored.IsValid)
	require.Equal(t, res.Report.ContentHashes, stored.Report.ContentHashes)
	require.Equal(t, res.Report.CustodyEntries, stored.Report.CustodyEntries)
}

func TestVerifyUnconfirmedChainIsInvalid(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	recordFrames(t, v, 2)
	res, err := v.Verify(context.Background())
	require.NoError(t, err)
	require.False(t, res.IsValid)
	require.Equal(t, "invalid anchor for sequence 1", res.TamperEvidence)
}

func TestVerifyFramesDetectsTampering(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	frames := recordFrames(t, v, 3)
	v.Simulated().Advance(1)

	frames[1].PreviousHash = frames[2].ContentHash
	res, err := v.VerifyFrames(context.Background(), frames)
	require.NoError(t, err)
	require.False(t, res.IsValid)
	require.Equal(t, "hash chain broken at sequence 2", res.TamperEvidence)

	stored, err := v.Report(res.Report.EvidenceID)
	require.NoError(t, err)
	require.Equal(t, res.TamperEvidence, stored.TamperEvidence)
}

func TestReopenResumesChain(t *testing.T) {
	dir := t.TempDir()

	v, err := Init(testConfig(dir))
	require.NoError(t, err)
	first := recordFrames(t, v, 2)
	v.Simulated().Advance(1)
	require.NoError(t, v.Close())

	v, err = Init(testConfig(dir))
	require.NoError(t, err)
	defer v.Close()

	ef, err := v.Record(context.Background(), testFrame(3))
	require.NoError(t, err)
	require.Equal(t, uint64(3), ef.Sequence)
	require.Equal(t, first[1].ContentHash, ef.PreviousHash)

	// anchors and confirmations of the first session come back from the journal
	f, err := v.Restore(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("frame payload 1"), f.Payload)

	v.Simulated().Advance(1)
	res, err := v.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsValid, res.TamperEvidence)
	require.Equal(t, 3, res.FrameCount)
}

func TestSealedKeyFile(t *testing.T) {
	dir := t.TempDir()
	mutate := func(c *Config) { c.SealingKeyFile = filepath.Join(dir, "operator.key") }

	cfg := testConfig(dir)
	mutate(cfg)
	v, err := Init(cfg)
	require.NoError(t, err)
	recordFrames(t, v, 1)
	v.Simulated().Advance(1)
	backup, err := v.ExportKeys()
	require.NoError(t, err)
	require.NoError(t, v.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "evidence.keys"))
	require.NoError(t, err)
	require.NotContains(t, string(raw), backup.Encryption)

	cfg = testConfig(dir)
	mutate(cfg)
	v, err = Init(cfg)
	require.NoError(t, err)
	defer v.Close()

	again, err := v.ExportKeys()
	require.NoError(t, err)
	require.Equal(t, backup, again)
	_, err = v.Restore(context.Background(), 1)
	require.NoError(t, err)
}

func TestRecordRejectsStaleSequence(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	recordFrames(t, v, 2)
	f := testFrame(3)
	f.Sequence = 2
	_, err := v.Record(context.Background(), f)
	require.ErrorIs(t, err, ErrSequenceOutOfOrder)

	f.Sequence = 3
	ef, err := v.Record(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, uint64(3), ef.Sequence)
}

func TestRecordCancelledLeavesChainUntouched(t *testing.T) {
	v, _, cleanup := setupVault(t, func(c *Config) { c.Ledger.Difficulty = 64 })
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Record(ctx, testFrame(1))
	require.ErrorIs(t, err, ledger.ErrAnchorCommitFailed)

	status, err := v.Status()
	require.NoError(t, err)
	require.Equal(t, uint64(1), status.NextSequence)
	require.Zero(t, status.Frames)
}

func TestFailedSaveKeepsChainRetryable(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	first := recordFrames(t, v, 1)[0]

	chain := v.config.ChainID
	v.config.ChainID = "not:a chain"
	_, err := v.Record(context.Background(), testFrame(2))
	require.ErrorIs(t, err, store.ErrInvalidChainID)
	require.Equal(t, first.ContentHash, v.pipeline.PreviousHash())
	v.config.ChainID = chain

	retry, err := v.Record(context.Background(), testFrame(2))
	require.NoError(t, err)
	require.Equal(t, uint64(2), retry.Sequence)
	require.Equal(t, first.ContentHash, retry.PreviousHash)

	v.Simulated().Advance(1)
	res, err := v.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsValid, res.TamperEvidence)
	require.Equal(t, 2, res.FrameCount)
}

func TestRecordBatch(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	out, err := v.RecordBatch(context.Background(), []Frame{testFrame(1), testFrame(2), testFrame(3)})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, out[1].ContentHash, out[2].PreviousHash)

	stale := testFrame(4)
	stale.Sequence = 1
	out, err = v.RecordBatch(context.Background(), []Frame{testFrame(4), stale})
	require.ErrorIs(t, err, ErrSequenceOutOfOrder)
	require.Len(t, out, 1)
}

func TestValidateFrames(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	recordFrames(t, v, 3)
	v.Simulated().AdvanceRef(mustFrame(t, v, 1).AnchorRefs[0].TransactionRef, 1)
	v.Simulated().AdvanceRef(mustFrame(t, v, 3).AnchorRefs[0].TransactionRef, 1)

	results, err := v.ValidateFrames(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].Passed())
	require.False(t, results[1].Passed())
	require.ErrorIs(t, results[1].Err, pipeline.ErrAnchorVerificationFailed)
	require.True(t, results[2].Passed())
}

func mustFrame(t *testing.T, v *Vault, seq uint64) EncryptedFrame {
	t.Helper()
	ef, err := v.EncryptedFrame(seq)
	require.NoError(t, err)
	return ef
}

func TestListFramesAndChainInfo(t *testing.T) {
	v, _, cleanup := setupVault(t, func(c *Config) { c.ChainID = "cam-lobby" })
	defer cleanup()

	frames := recordFrames(t, v, 2)
	v.Simulated().Advance(12)

	infos, err := v.ListFrames(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, frames[1].ContentHash, infos[1].ContentHash)
	require.Equal(t, uint64(12), infos[0].Confirmations)
	require.Equal(t, ledger.Confirmed, infos[0].State)
	require.Contains(t, FormatFrameInfo(infos[0]), "state=confirmed")

	stats, err := v.ChainInfo()
	require.NoError(t, err)
	require.Equal(t, 2, stats.Frames)
	require.Equal(t, frames[1].ContentHash, stats.HeadHash)

	text := FormatChainInfo(stats)
	require.Contains(t, text, "Chain: cam-lobby")
	require.Contains(t, text, "Frames: 2 (sequence 1..2)")
	require.Contains(t, text, "4 data + 2 parity")
}

func TestFormatFrameInfoHandlesShortHash(t *testing.T) {
	var line string
	require.NotPanics(t, func() {
		line = FormatFrameInfo(FrameInfo{Sequence: 7, ContentHash: "abc", State: ledger.Pending})
	})
	require.Contains(t, line, "#7 ")
	require.Contains(t, line, "hash=abc ")
	require.Contains(t, line, "anchor=-")

	full := FormatFrameInfo(FrameInfo{ContentHash: strings.Repeat("f", 128)})
	require.Contains(t, full, "hash="+strings.Repeat("f", 16)+" ")
}

func TestStatus(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	status, err := v.Status()
	require.NoError(t, err)
	require.Zero(t, status.Frames)
	require.Equal(t, uint64(1), status.NextSequence)

	frames := recordFrames(t, v, 2)
	status, err = v.Status()
	require.NoError(t, err)
	require.Equal(t, 2, status.Frames)
	require.Equal(t, uint64(3), status.NextSequence)
	require.Equal(t, frames[1].ContentHash, status.HeadHash)
	require.Equal(t, "simulated", status.Ledger)
	require.Equal(t, uint64(2), status.LedgerHeight)
}

func TestConfirmationLoopConfirmsFrames(t *testing.T) {
	v, _, cleanup := setupVault(t, func(c *Config) { c.Ledger.ConfirmationInterval = 5 * time.Millisecond })
	defer cleanup()

	recordFrames(t, v, 1)
	require.Eventually(t, func() bool {
		_, err := v.Restore(context.Background(), 1)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartOpsCounterStops(t *testing.T) {
	v, _, cleanup := setupVault(t, nil)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := v.StartOpsCounter(ctx, time.Millisecond)
	recordFrames(t, v, 1)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ops counter did not stop")
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	_, err := Init(&Config{})
	require.Error(t, err)

	cfg := testConfig(t.TempDir())
	cfg.Ledger.Backend = "carrier-pigeon"
	_, err = Init(cfg)
	require.Error(t, err)

	cfg = testConfig(t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths[0], "evidence.keys"), []byte("{broken"), 0o600))
	_, err = Init(cfg)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	v, _, _ := setupVault(t, nil)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
}
