package ouroborosevidence

import (
	"context"
	"fmt"
)

// Restore loads the frame stored under seq and returns its plaintext. The frame's
// anchors must verify before anything is decrypted.
func (v *Vault) Restore(ctx context.Context, seq uint64) (Frame, error) {
	ef, err := v.store.LoadFrame(v.config.ChainID, seq)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to load frame %d: %w", seq, err)
	}
	return v.pipeline.DecryptFrame(ctx, ef)
}

// RestoreRange restores every stored frame with from <= sequence <= to.
func (v *Vault) RestoreRange(ctx context.Context, from, to uint64) ([]Frame, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range %d..%d", from, to)
	}

	var frames []Frame
	for seq := from; seq <= to; seq++ {
		f, err := v.Restore(ctx, seq)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		if seq == ^uint64(0) {
			break
		}
	}
	return frames, nil
}

// EncryptedFrame returns the stored record of seq without decrypting it.
func (v *Vault) EncryptedFrame(seq uint64) (EncryptedFrame, error) {
	return v.store.LoadFrame(v.config.ChainID, seq)
}

// Frames returns every stored record of the chain in sequence order, ready to be
// exported and verified elsewhere.
func (v *Vault) Frames() ([]EncryptedFrame, error) {
	return v.store.LoadChain(v.config.ChainID)
}
