package ouroborosevidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-evidence/internal/ledger"
	"github.com/i5heu/ouroboros-evidence/internal/store"
)

// FrameInfo describes a stored frame without decrypting it.
type FrameInfo struct {
	Sequence      uint64
	Timestamp     int64
	ContentHash   string
	PreviousHash  string
	Size          int // ciphertext bytes
	Compressed    bool
	AnchorRefs    []AnchorRef
	Confirmations uint64 // of the first anchor
	State         ledger.State
}

// Status is a point-in-time summary of the vault.
type Status struct {
	ChainID      string `json:"chain_id"`
	Frames       int    `json:"frames"`
	NextSequence uint64 `json:"next_sequence"`
	HeadHash     string `json:"head_hash"`
	Ledger       string `json:"ledger"`
	LedgerHeight uint64 `json:"ledger_height,omitempty"`
}

// ListFrames returns information about every stored frame of the chain.
func (v *Vault) ListFrames(ctx context.Context) ([]FrameInfo, error) {
	frames, err := v.store.LoadChain(v.config.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}

	infos := make([]FrameInfo, 0, len(frames))
	for _, ef := range frames {
		info := FrameInfo{
			Sequence:     ef.Sequence,
			Timestamp:    ef.Timestamp,
			ContentHash:  ef.ContentHash,
			PreviousHash: ef.PreviousHash,
			Size:         len(ef.Ciphertext),
			Compressed:   ef.Compression != "",
			AnchorRefs:   ef.AnchorRefs,
		}
		if len(ef.AnchorRefs) > 0 {
			confs, err := v.ledger.Confirmations(ctx, ef.AnchorRefs[0])
			if err != nil {
				log.WithError(err).WithField("sequence", ef.Sequence).Error("Failed to read confirmations")
			} else {
				info.Confirmations = confs
				info.State = ledger.StateOf(confs, v.confirmationThreshold())
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ChainInfo summarises the stored chain.
func (v *Vault) ChainInfo() (ChainStats, error) {
	return v.store.Stats(v.config.ChainID)
}

func (v *Vault) Status() (Status, error) {
	v.recordMu.Lock()
	next := v.nextSeq
	v.recordMu.Unlock()

	s := Status{
		ChainID:      v.config.ChainID,
		NextSequence: next,
		HeadHash:     v.pipeline.PreviousHash(),
		Ledger:       v.config.Ledger.Backend,
	}
	if v.sim != nil {
		s.LedgerHeight = v.sim.Height()
	}

	stats, err := v.store.Stats(v.config.ChainID)
	if err == nil {
		s.Frames = stats.Frames
	} else if !isNotFound(err) {
		return Status{}, err
	}
	return s, nil
}

func (v *Vault) confirmationThreshold() uint64 {
	if t := v.config.Ledger.ConfirmationThreshold; t > 0 {
		return t
	}
	return ledger.DefaultThreshold
}

// FormatChainInfo returns a human-readable representation of stats.
func FormatChainInfo(stats ChainStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chain: %s\n", stats.ChainID)
	fmt.Fprintf(&b, "Frames: %d (sequence %d..%d)\n", stats.Frames, stats.FirstSequence, stats.LastSequence)
	fmt.Fprintf(&b, "Recorded: %s .. %s\n", formatMillis(stats.FirstTimestamp), formatMillis(stats.LastTimestamp))
	fmt.Fprintf(&b, "Head Hash: %s\n", stats.HeadHash)
	fmt.Fprintf(&b, "Record Size: %s (%d bytes)\n", formatBytes(stats.RecordBytes), stats.RecordBytes)
	fmt.Fprintf(&b, "Storage Size: %s (%d bytes)\n", formatBytes(stats.StoredBytes), stats.StoredBytes)
	if stats.RecordBytes > 0 {
		fmt.Fprintf(&b, "Storage Overhead: %.2fx\n", float64(stats.StoredBytes)/float64(stats.RecordBytes))
	}
	fmt.Fprintf(&b, "Shards: %d\n", stats.Shards)
	fmt.Fprintf(&b, "Reed-Solomon Config: %d data + %d parity shards per frame\n", stats.DataShards, stats.ParityShards)
	return b.String()
}

// FormatFrameInfo returns a one-line representation of info.
func FormatFrameInfo(info FrameInfo) string {
	tx := "-"
	if len(info.AnchorRefs) > 0 {
		tx = info.AnchorRefs[0].TransactionRef
	}
	return fmt.Sprintf("#%d %s hash=%s size=%s anchor=%s state=%s confirmations=%d",
		info.Sequence, formatMillis(info.Timestamp), shortHash(info.ContentHash), formatBytes(uint64(info.Size)),
		tx, info.State, info.Confirmations)
}

// shortHash abbreviates a digest for display. Stored records are not trusted to
// carry a full length hash.
func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16]
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// formatBytes returns a human-readable byte size
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
