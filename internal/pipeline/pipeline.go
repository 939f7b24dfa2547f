// Package pipeline turns captured frames into encrypted, hash chained and anchored
// records, and reverses that for frames whose anchors still verify.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-evidence/internal/cipher"
	"github.com/i5heu/ouroboros-evidence/internal/codec"
	"github.com/i5heu/ouroboros-evidence/internal/frame"
	"github.com/i5heu/ouroboros-evidence/internal/ledger"
	"github.com/i5heu/ouroboros-evidence/internal/metrics"
)

var (
	// ErrAnchorVerificationFailed is returned by DecryptFrame when any anchor of the
	// record does not verify. Nothing is decrypted in that case.
	ErrAnchorVerificationFailed = errors.New("pipeline: anchor verification failed")
	// ErrContentHashMismatch is returned when decrypted bytes do not hash to the
	// record's content hash.
	ErrContentHashMismatch = errors.New("pipeline: content hash mismatch")
	ErrClosed              = errors.New("pipeline: closed")
)

type Options struct {
	Cipher *cipher.Service
	// Keys is the key pair to use. When nil a fresh pair is generated.
	Keys   *cipher.KeyPair
	Ledger ledger.Ledger
	// Compress enables zstd compression of the serialized frame before encryption.
	Compress bool
	// PreviousHash resumes an existing chain. Empty starts from the genesis hash.
	PreviousHash string
	Metrics      metrics.Recorder
	Logger       *logrus.Entry
}

type Pipeline struct {
	cipher   *cipher.Service
	ledger   ledger.Ledger
	compress bool
	metrics  metrics.Recorder
	log      *logrus.Entry

	// mu is held from reading previousHash until the anchored digest replaces it.
	mu           sync.Mutex
	previousHash string

	// keyMu guards keys and closed. Close takes mu before keyMu.
	keyMu  sync.RWMutex
	keys   cipher.KeyPair
	closed bool
}

func New(opts Options) (*Pipeline, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("pipeline requires a ledger")
	}
	if opts.Cipher == nil {
		opts.Cipher = cipher.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	prev := opts.PreviousHash
	if prev == "" {
		prev = cipher.GenesisHash
	}
	if !cipher.IsDigest(prev) {
		return nil, fmt.Errorf("invalid previous hash %q", prev)
	}

	var keys cipher.KeyPair
	if opts.Keys != nil {
		keys = *opts.Keys
	} else {
		var err error
		keys, err = opts.Cipher.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate pipeline keys: %w", err)
		}
	}

	return &Pipeline{
		cipher:       opts.Cipher,
		ledger:       opts.Ledger,
		compress:     opts.Compress,
		metrics:      opts.Metrics,
		log:          opts.Logger.WithField("component", "pipeline"),
		keys:         keys,
		previousHash: prev,
	}, nil
}

// EncryptFrame serializes, hashes, encrypts and anchors f, linking it to the previously
// encrypted frame. On any failure the chain head is left untouched.
func (p *Pipeline) EncryptFrame(ctx context.Context, f frame.Frame) (frame.EncryptedFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return frame.EncryptedFrame{}, ErrClosed
	}

	ef, err := p.encryptLocked(ctx, f)
	if err != nil {
		p.metrics.FrameFailed()
		p.log.WithError(err).WithField("sequence", f.Sequence).Error("Failed to encrypt frame")
		return frame.EncryptedFrame{}, err
	}

	p.previousHash = ef.ContentHash
	p.metrics.FrameEncrypted()
	p.log.WithFields(logrus.Fields{
		"sequence": ef.Sequence,
		"hash":     ef.ContentHash[:16],
		"block":    ef.AnchorRefs[0].BlockNumber,
	}).Debug("Encrypted frame")
	return ef, nil
}

func (p *Pipeline) encryptLocked(ctx context.Context, f frame.Frame) (frame.EncryptedFrame, error) {
	plain, err := frame.Marshal(f)
	if err != nil {
		return frame.EncryptedFrame{}, err
	}
	digest := p.cipher.Hash(plain)

	body, compression := plain, ""
	if p.compress {
		body, err = codec.CompressWithZstd(plain)
		if err != nil {
			return frame.EncryptedFrame{}, fmt.Errorf("failed to compress frame %d: %w", f.Sequence, err)
		}
		compression = codec.CompressionZstd
	}

	sealed, err := p.cipher.Encrypt(body, p.keys.Encryption)
	if err != nil {
		return frame.EncryptedFrame{}, fmt.Errorf("failed to encrypt frame %d: %w", f.Sequence, err)
	}

	meta, err := frame.EncodeMetadata(f.Metadata)
	if err != nil {
		return frame.EncryptedFrame{}, err
	}

	start := time.Now()
	ref, err := p.ledger.Anchor(ctx, digest, meta)
	if err != nil {
		return frame.EncryptedFrame{}, fmt.Errorf("failed to anchor frame %d: %w", f.Sequence, err)
	}
	p.metrics.AnchorLatency(time.Since(start))

	return frame.EncryptedFrame{
		Sequence:     f.Sequence,
		Ciphertext:   sealed.Ciphertext,
		Nonce:        sealed.Nonce,
		AuthTag:      sealed.Tag,
		ContentHash:  digest,
		PreviousHash: p.previousHash,
		Timestamp:    f.Timestamp,
		AnchorRefs:   []ledger.AnchorRef{ref},
		Metadata:     f.Metadata,
		Compression:  compression,
	}, nil
}

// DecryptFrame returns the frame inside ef once every anchor of ef verifies.
func (p *Pipeline) DecryptFrame(ctx context.Context, ef frame.EncryptedFrame) (frame.Frame, error) {
	if len(ef.AnchorRefs) == 0 {
		return frame.Frame{}, fmt.Errorf("%w: frame %d has no anchors", ErrAnchorVerificationFailed, ef.Sequence)
	}
	for _, ref := range ef.AnchorRefs {
		ok, err := p.ledger.Verify(ctx, ref)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("failed to verify anchor %s of frame %d: %w", ref.TransactionRef, ef.Sequence, err)
		}
		if !ok {
			return frame.Frame{}, fmt.Errorf("%w: frame %d anchor %s", ErrAnchorVerificationFailed, ef.Sequence, ref.TransactionRef)
		}
	}

	p.keyMu.RLock()
	if p.closed {
		p.keyMu.RUnlock()
		return frame.Frame{}, ErrClosed
	}
	body, err := p.cipher.Decrypt(ef.Ciphertext, ef.Nonce, ef.AuthTag, p.keys.Encryption)
	p.keyMu.RUnlock()
	if err != nil {
		return frame.Frame{}, err
	}

	plain, err := codec.Decompress(ef.Compression, body)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", frame.ErrMalformedFrame, err)
	}
	if p.cipher.Hash(plain) != ef.ContentHash {
		return frame.Frame{}, fmt.Errorf("%w: frame %d", ErrContentHashMismatch, ef.Sequence)
	}
	return frame.Unmarshal(plain)
}

// PreviousHash returns the content hash the next frame will link to.
func (p *Pipeline) PreviousHash() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.previousHash
}

// Rewind resets the chain head from `from` back to `to`, undoing an EncryptFrame
// whose record could not be kept. It does nothing and returns false when another
// frame has been encrypted since.
func (p *Pipeline) Rewind(from, to string) bool {
	if !cipher.IsDigest(to) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.previousHash != from {
		return false
	}
	p.previousHash = to
	p.log.WithFields(logrus.Fields{"from": from[:16], "to": to[:16]}).Warn("Rewound chain head")
	return true
}

// ExportKeys returns backup blobs of the pipeline's key pair.
func (p *Pipeline) ExportKeys() (cipher.KeyBackup, error) {
	p.keyMu.RLock()
	defer p.keyMu.RUnlock()
	if p.closed {
		return cipher.KeyBackup{}, ErrClosed
	}
	return p.keys.Export(), nil
}

// Sign returns the custody signature of data under the pipeline's MAC key.
func (p *Pipeline) Sign(data []byte) (string, error) {
	p.keyMu.RLock()
	defer p.keyMu.RUnlock()
	if p.closed {
		return "", ErrClosed
	}
	return p.cipher.MAC(data, p.keys.MAC)
}

// Close destroys the key material. The pipeline is unusable afterwards.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyMu.Lock()
	defer p.keyMu.Unlock()
	if p.closed {
		return
	}
	p.keys.Destroy()
	p.closed = true
}
