package ouroborosevidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSequenceOutOfOrder is returned when a frame's sequence is not ahead of the
// stored chain.
var ErrSequenceOutOfOrder = errors.New("evidence: sequence out of order")

// Record encrypts, chains and anchors f and persists the result. A zero Sequence is
// assigned the next free sequence, a zero Timestamp the current time.
func (v *Vault) Record(ctx context.Context, f Frame) (EncryptedFrame, error) {
	v.recordMu.Lock()
	defer v.recordMu.Unlock()
	return v.recordLocked(ctx, f)
}

// RecordBatch records frames in order and stops at the first failure. The frames
// recorded before the failure are returned with the error.
func (v *Vault) RecordBatch(ctx context.Context, frames []Frame) ([]EncryptedFrame, error) {
	v.recordMu.Lock()
	defer v.recordMu.Unlock()

	out := make([]EncryptedFrame, 0, len(frames))
	for i, f := range frames {
		ef, err := v.recordLocked(ctx, f)
		if err != nil {
			return out, fmt.Errorf("failed to record frame %d of batch: %w", i, err)
		}
		out = append(out, ef)
	}
	return out, nil
}

func (v *Vault) recordLocked(ctx context.Context, f Frame) (EncryptedFrame, error) {
	if f.Sequence == 0 {
		f.Sequence = v.nextSeq
	}
	if f.Sequence < v.nextSeq {
		return EncryptedFrame{}, fmt.Errorf("%w: got %d, next is %d", ErrSequenceOutOfOrder, f.Sequence, v.nextSeq)
	}
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}

	head := v.pipeline.PreviousHash()
	ef, err := v.pipeline.EncryptFrame(ctx, f)
	if err != nil {
		return EncryptedFrame{}, err
	}

	// An unstored frame must not become the predecessor of the next one. Its anchor
	// stays on the ledger without a record referencing it.
	if err := v.store.SaveFrame(v.config.ChainID, ef); err != nil {
		entry := v.log.WithError(err).WithFields(logrus.Fields{
			"sequence": ef.Sequence,
			"tx":       ef.AnchorRefs[0].TransactionRef,
		})
		if !v.pipeline.Rewind(ef.ContentHash, head) {
			entry.Error("Anchored frame could not be stored and the chain head could not be rewound")
		} else {
			entry.Error("Anchored frame could not be stored")
		}
		return EncryptedFrame{}, fmt.Errorf("failed to persist frame %d: %w", ef.Sequence, err)
	}
	v.nextSeq = ef.Sequence + 1

	v.log.WithFields(logrus.Fields{
		"sequence":     ef.Sequence,
		"content_hash": shortHash(ef.ContentHash),
		"tx":           ef.AnchorRefs[0].TransactionRef,
	}).Debug("Frame recorded")
	return ef, nil
}
