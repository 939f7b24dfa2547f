package ouroborosevidence

import (
	"context"
	"fmt"
)

// Verify checks the whole stored chain against the ledger and persists the court
// report. A tampered chain is reported through Result.IsValid; the error is reserved
// for faults that prevented verification.
func (v *Vault) Verify(ctx context.Context) (Result, error) {
	frames, err := v.store.LoadChain(v.config.ChainID)
	if err != nil {
		return Result{}, err
	}
	return v.VerifyFrames(ctx, frames)
}

// VerifyFrames verifies records supplied by the caller, for example an exported
// chain, and persists the resulting report.
func (v *Vault) VerifyFrames(ctx context.Context, frames []EncryptedFrame) (Result, error) {
	res, err := v.verifier.VerifyChain(ctx, frames)
	if err != nil {
		return Result{}, fmt.Errorf("failed to verify chain %s: %w", v.config.ChainID, err)
	}
	if err := v.store.SaveReport(res); err != nil {
		return Result{}, fmt.Errorf("failed to persist report %s: %w", res.Report.EvidenceID, err)
	}
	return res, nil
}

// Report returns a previously generated verification result.
func (v *Vault) Report(evidenceID string) (Result, error) {
	return v.store.LoadReport(evidenceID)
}

// ValidationResult captures the outcome of decrypting a single stored frame.
type ValidationResult struct {
	Sequence    uint64
	ContentHash string
	Err         error
}

// Passed reports whether the frame decrypted and matched its content hash.
func (r ValidationResult) Passed() bool {
	return r.Err == nil
}

// ValidateFrames decrypts every stored frame and reports per frame whether its
// anchors, authentication tag and content hash hold.
func (v *Vault) ValidateFrames(ctx context.Context) ([]ValidationResult, error) {
	frames, err := v.store.LoadChain(v.config.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to load frames for validation: %w", err)
	}

	results := make([]ValidationResult, 0, len(frames))
	for _, ef := range frames {
		res := ValidationResult{Sequence: ef.Sequence, ContentHash: ef.ContentHash}
		if _, err := v.pipeline.DecryptFrame(ctx, ef); err != nil {
			res.Err = err
		}
		results = append(results, res)
	}
	return results, nil
}
