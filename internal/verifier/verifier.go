// Package verifier re-derives trust in a sequence of encrypted frames from the hash
// chain and the ledger, without decrypting anything.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-evidence/internal/cipher"
	"github.com/i5heu/ouroboros-evidence/internal/frame"
	"github.com/i5heu/ouroboros-evidence/internal/ledger"
	"github.com/i5heu/ouroboros-evidence/internal/metrics"
)

// Signer produces custody signatures. The pipeline's MAC key is the usual signer.
type Signer interface {
	Sign(data []byte) (string, error)
}

type Options struct {
	Cipher  *cipher.Service
	Metrics metrics.Recorder
	Logger  *logrus.Entry
	Now     func() time.Time
	NewID   func() string
	// Lenient disables the sequence, timestamp, duplicate and record shape checks,
	// leaving only chain linkage and anchors.
	Lenient bool
}

type Verifier struct {
	ledger ledger.Ledger
	signer Signer
	cipher *cipher.Service
	opts   Options
	log    *logrus.Entry
}

func New(l ledger.Ledger, s Signer, opts Options) *Verifier {
	if opts.Cipher == nil {
		opts.Cipher = cipher.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Verifier{
		ledger: l,
		signer: s,
		cipher: opts.Cipher,
		opts:   opts,
		log:    opts.Logger.WithField("component", "verifier"),
	}
}

// VerifyChain checks linkage and anchors of frames and builds a court report. The
// returned error is reserved for operational faults such as an unreachable ledger;
// tampered evidence yields a Result with IsValid false.
func (v *Verifier) VerifyChain(ctx context.Context, frames []frame.EncryptedFrame) (Result, error) {
	res := Result{
		IsValid:       true,
		FrameCount:    len(frames),
		Confirmations: make(map[string]uint64),
	}

	if seq, ok := firstLinkBreak(frames); ok {
		res.invalidate(fmt.Sprintf("hash chain broken at sequence %d", seq))
	}

	var faults *multierror.Error
	anchorFailed := false
	for _, ef := range frames {
		for _, ref := range ef.AnchorRefs {
			ok, err := v.ledger.Verify(ctx, ref)
			if err != nil {
				faults = multierror.Append(faults, fmt.Errorf("failed to verify anchor %s of sequence %d: %w", ref.TransactionRef, ef.Sequence, err))
				continue
			}
			if !ok && !anchorFailed {
				anchorFailed = true
				res.invalidate(fmt.Sprintf("invalid anchor for sequence %d", ef.Sequence))
			}

			confs, err := v.ledger.Confirmations(ctx, ref)
			if err != nil {
				faults = multierror.Append(faults, fmt.Errorf("failed to read confirmations of %s: %w", ref.TransactionRef, err))
				continue
			}
			res.Confirmations[ref.TransactionRef] = confs
		}
	}
	if err := faults.ErrorOrNil(); err != nil {
		v.opts.Metrics.Verification(metrics.OutcomeError)
		v.log.WithError(err).Error("Could not verify chain")
		return Result{}, err
	}

	if !v.opts.Lenient {
		if msg := extendedChecks(frames); msg != "" {
			res.invalidate(msg)
		}
	}

	report, err := v.buildReport(frames)
	if err != nil {
		v.opts.Metrics.Verification(metrics.OutcomeError)
		return Result{}, err
	}
	res.Report = report

	v.opts.Metrics.ChainLength(len(frames))
	if res.IsValid {
		v.opts.Metrics.Verification(metrics.OutcomeValid)
		v.log.WithFields(logrus.Fields{
			"frames":      len(frames),
			"evidence_id": report.EvidenceID,
		}).Debug("Chain verified")
	} else {
		v.opts.Metrics.Verification(metrics.OutcomeInvalid)
		v.log.WithFields(logrus.Fields{
			"frames":      len(frames),
			"evidence_id": report.EvidenceID,
			"evidence":    res.TamperEvidence,
		}).Warn("Chain failed verification")
	}
	return res, nil
}

// invalidate marks the result invalid. Only the first recorded evidence is kept.
func (r *Result) invalidate(evidence string) {
	r.IsValid = false
	if r.TamperEvidence == "" {
		r.TamperEvidence = evidence
	}
}

func firstLinkBreak(frames []frame.EncryptedFrame) (uint64, bool) {
	for i := 1; i < len(frames); i++ {
		if frames[i].PreviousHash != frames[i-1].ContentHash {
			return frames[i].Sequence, true
		}
	}
	return 0, false
}

func extendedChecks(frames []frame.EncryptedFrame) string {
	seen := make(map[string]bool, len(frames))
	for i, ef := range frames {
		if err := ef.Check(); err != nil {
			return fmt.Sprintf("malformed record for sequence %d", ef.Sequence)
		}
		if seen[ef.ContentHash] {
			return fmt.Sprintf("duplicate frame at sequence %d", ef.Sequence)
		}
		seen[ef.ContentHash] = true

		if i == 0 {
			continue
		}
		prev := frames[i-1]
		if ef.Sequence != prev.Sequence+1 {
			return fmt.Sprintf("sequence gap at sequence %d: expected %d", ef.Sequence, prev.Sequence+1)
		}
		if ef.Timestamp < prev.Timestamp {
			return fmt.Sprintf("timestamp regression at sequence %d", ef.Sequence)
		}
	}
	return ""
}

func (v *Verifier) buildReport(frames []frame.EncryptedFrame) (CourtReport, error) {
	now := v.opts.Now()
	evidenceID := v.opts.NewID()

	signature, err := v.signer.Sign([]byte(evidenceID))
	if err != nil {
		return CourtReport{}, fmt.Errorf("failed to sign custody entry: %w", err)
	}

	blockchainRef := ""
	if len(frames) > 0 && len(frames[0].AnchorRefs) > 0 {
		blockchainRef = frames[0].AnchorRefs[0].TransactionRef
	}

	hashes := make([]string, 0, len(frames))
	for _, ef := range frames {
		hashes = append(hashes, ef.ContentHash)
	}

	return CourtReport{
		EvidenceID: evidenceID,
		CustodyEntries: []CustodyEntry{{
			Timestamp:     now.UnixMilli(),
			Actor:         custodyActor,
			Action:        custodyAction,
			Signature:     signature,
			BlockchainRef: blockchainRef,
		}},
		ContentHashes: hashes,
		Compliance:    StaticCompliance(),
		Proofs:        v.buildProofs(frames, hashes),
		GeneratedAt:   now.UTC(),
	}, nil
}

func (v *Verifier) buildProofs(frames []frame.EncryptedFrame, hashes []string) Proofs {
	p := Proofs{Anchors: []AnchorProof{}}
	if len(frames) == 0 {
		return p
	}

	first, last := frames[0], frames[len(frames)-1]
	p.FirstHash = first.ContentHash
	p.LastHash = last.ContentHash
	p.FirstTimestamp = first.Timestamp
	p.LastTimestamp = last.Timestamp
	p.ChainDigest = v.cipher.Hash([]byte(strings.Join(hashes, "")))

	for _, ef := range frames {
		for _, ref := range ef.AnchorRefs {
			p.Anchors = append(p.Anchors, AnchorProof{
				Sequence:       ef.Sequence,
				LedgerID:       ref.LedgerID,
				TransactionRef: ref.TransactionRef,
				BlockNumber:    ref.BlockNumber,
				Proof:          ref.Proof,
			})
		}
	}
	return p
}
