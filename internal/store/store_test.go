package store

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-evidence/internal/cipher"
	"github.com/i5heu/ouroboros-evidence/internal/codec"
	"github.com/i5heu/ouroboros-evidence/internal/frame"
	"github.com/i5heu/ouroboros-evidence/internal/ledger"
	"github.com/i5heu/ouroboros-evidence/internal/verifier"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	s, err := Open(Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return s, func() { s.Close() }
}

func testRecord(seq uint64, prev string) frame.EncryptedFrame {
	svc := cipher.New()
	content := svc.Hash([]byte(fmt.Sprintf("frame-%d", seq)))
	return frame.EncryptedFrame{
		Sequence:     seq,
		Ciphertext:   []byte(strings.Repeat(fmt.Sprintf("ciphertext-%d|", seq), 40)),
		Nonce:        make([]byte, cipher.NonceSize),
		AuthTag:      make([]byte, cipher.TagSize),
		ContentHash:  content,
		PreviousHash: prev,
		Timestamp:    1_700_000_000_000 + int64(seq),
		AnchorRefs: []ledger.AnchorRef{{
			LedgerID:       "simulated",
			TransactionRef: fmt.Sprintf("0x%064d", seq),
			BlockNumber:    seq,
			Timestamp:      1_700_000_000_000 + int64(seq),
			Proof:          "pow:1:0abc",
		}},
		Metadata: frame.Metadata{DeviceID: "cam-1", Codec: "h264", FrameRate: 30},
	}
}

func writeChain(t *testing.T, s *Store, chain string, n int) []frame.EncryptedFrame {
	t.Helper()
	prev := cipher.GenesisHash
	var out []frame.EncryptedFrame
	for i := 1; i <= n; i++ {
		ef := testRecord(uint64(i), prev)
		require.NoError(t, s.SaveFrame(chain, ef))
		out = append(out, ef)
		prev = ef.ContentHash
	}
	return out
}

func TestSaveAndLoadFrame(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	written := writeChain(t, s, "cam-1", 3)

	ef, err := s.LoadFrame("cam-1", 2)
	require.NoError(t, err)
	require.Equal(t, written[1], ef)

	_, err = s.LoadFrame("cam-1", 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFramesAreAppendOnly(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	written := writeChain(t, s, "cam-1", 1)
	forged := written[0]
	forged.ContentHash = strings.Repeat("f", cipher.HashSize*2)

	err := s.SaveFrame("cam-1", forged)
	require.ErrorIs(t, err, ErrFrameExists)

	ef, err := s.LoadFrame("cam-1", 1)
	require.NoError(t, err)
	require.Equal(t, written[0].ContentHash, ef.ContentHash)
}

func TestLoadChainIsOrderedAndIsolated(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	a := writeChain(t, s, "cam", 12)
	b := writeChain(t, s, "cam2", 2)

	got, err := s.LoadChain("cam")
	require.NoError(t, err)
	require.Equal(t, a, got)

	got, err = s.LoadChain("cam2")
	require.NoError(t, err)
	require.Equal(t, b, got)

	got, err = s.LoadChain("empty")
	require.NoError(t, err)
	require.Empty(t, got)

	chains, err := s.Chains()
	require.NoError(t, err)
	require.Equal(t, []string{"cam", "cam2"}, chains)
}

func TestLastFrame(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	_, found, err := s.LastFrame("cam")
	require.NoError(t, err)
	require.False(t, found)

	written := writeChain(t, s, "cam", 4)
	last, found, err := s.LastFrame("cam")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, written[3].ContentHash, last.ContentHash)
}

func TestInvalidChainIDs(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	for _, id := range []string{"", "a:b", "with space"} {
		err := s.SaveFrame(id, testRecord(1, cipher.GenesisHash))
		assert.ErrorIs(t, err, ErrInvalidChainID, id)
	}
}

func TestCorruptedShardIsRebuiltFromParity(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	written := writeChain(t, s, "cam", 1)

	// flip bytes in one shard and delete another
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(shardKey("cam", 1, 0))
		if err != nil {
			return err
		}
		var shard codec.Shard
		if err := item.Value(func(val []byte) error { return cbor.Unmarshal(val, &shard) }); err != nil {
			return err
		}
		shard.Content[0] ^= 0xFF
		data, err := cbor.Marshal(shard)
		if err != nil {
			return err
		}
		if err := txn.Set(shardKey("cam", 1, 0), data); err != nil {
			return err
		}
		return txn.Delete(shardKey("cam", 1, 3))
	})
	require.NoError(t, err)

	ef, err := s.LoadFrame("cam", 1)
	require.NoError(t, err)
	require.Equal(t, written[0], ef)
}

func TestShardWithDamagedHeaderIsRebuilt(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	written := writeChain(t, s, "cam", 2)

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(shardKey("cam", 2, 0))
		if err != nil {
			return err
		}
		var shard codec.Shard
		if err := item.Value(func(val []byte) error { return cbor.Unmarshal(val, &shard) }); err != nil {
			return err
		}
		shard.BlobHash[0] ^= 1
		shard.OriginalSize += 7
		data, err := cbor.Marshal(shard)
		if err != nil {
			return err
		}
		return txn.Set(shardKey("cam", 2, 0), data)
	})
	require.NoError(t, err)

	ef, err := s.LoadFrame("cam", 2)
	require.NoError(t, err)
	require.Equal(t, written[1], ef)

	chain, err := s.LoadChain("cam")
	require.NoError(t, err)
	require.Equal(t, written, chain)
}

func TestTooManyLostShardsFails(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	writeChain(t, s, "cam", 1)
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, idx := range []uint8{0, 1, 2} {
			if err := txn.Delete(shardKey("cam", 1, idx)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	_, err = s.LoadFrame("cam", 1)
	require.ErrorIs(t, err, codec.ErrUnrecoverable)
}

func TestStats(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	written := writeChain(t, s, "cam", 5)
	stats, err := s.Stats("cam")
	require.NoError(t, err)
	require.Equal(t, 5, stats.Frames)
	require.Equal(t, uint64(1), stats.FirstSequence)
	require.Equal(t, uint64(5), stats.LastSequence)
	require.Equal(t, written[4].ContentHash, stats.HeadHash)
	require.Equal(t, 5*(DefaultDataShards+DefaultParityShards), stats.Shards)
	require.Greater(t, stats.RecordBytes, uint64(0))
	require.Greater(t, stats.StoredBytes, uint64(0))

	_, err = s.Stats("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReportPersistence(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	res := verifier.Result{
		IsValid:        false,
		FrameCount:     2,
		Confirmations:  map[string]uint64{"0x01": 3},
		TamperEvidence: "hash chain broken at sequence 2",
		Report: verifier.CourtReport{
			EvidenceID:    "8d0f7a9e-1111-2222-3333-444455556666",
			ContentHashes: []string{"aa", "bb"},
			CustodyEntries: []verifier.CustodyEntry{{
				Timestamp: 1, Actor: "integrity-verifier", Action: "chain_verification", Signature: "sig",
			}},
			Compliance:  verifier.StaticCompliance(),
			GeneratedAt: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
		},
	}
	require.NoError(t, s.SaveReport(res))

	got, err := s.LoadReport(res.Report.EvidenceID)
	require.NoError(t, err)
	require.Equal(t, res.TamperEvidence, got.TamperEvidence)
	require.Equal(t, res.Confirmations, got.Confirmations)
	require.Equal(t, res.Report.ContentHashes, got.Report.ContentHashes)
	require.Equal(t, res.Report.CustodyEntries, got.Report.CustodyEntries)
	require.True(t, res.Report.GeneratedAt.Equal(got.Report.GeneratedAt))

	_, err = s.LoadReport("unknown")
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, s.SaveReport(verifier.Result{}))
}

func TestStoreIsAnAnchorJournal(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	sim, err := ledger.NewSimulated(ledger.SimulatedConfig{Difficulty: 1, Journal: s})
	require.NoError(t, err)
	ref, err := sim.Anchor(t.Context(), strings.Repeat("ab", cipher.HashSize), nil)
	require.NoError(t, err)
	sim.Advance(2)

	recs, err := s.LoadAnchors(ref.LedgerID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, ref, recs[0].Ref)
	require.Equal(t, uint64(2), recs[0].Confirmations)

	other, err := s.LoadAnchors("ethereum:1")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestInMemoryStore(t *testing.T) {
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	written := writeChain(t, s, "mem", 2)
	got, err := s.LoadChain("mem")
	require.NoError(t, err)
	require.Equal(t, written, got)

	reads, writes := s.SwapCounters()
	require.Equal(t, uint64(1), reads)
	require.Equal(t, uint64(2), writes)
	reads, writes = s.SwapCounters()
	require.Zero(t, reads)
	require.Zero(t, writes)
}

func TestOpenRefusesWhenDiskTooFull(t *testing.T) {
	_, err := Open(Options{Path: t.TempDir(), MinimumFreeSpace: 1 << 30})
	require.ErrorIs(t, err, ErrInsufficientSpace)
}
