package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-crypt/hash"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLedgerID    = "simulated"
	DefaultDifficulty  = 2
	DefaultMaxAttempts = 1 << 20
	DefaultThreshold   = 12
	DefaultCap         = 100
	DefaultVerifyDepth = 1

	proofScheme     = "pow"
	ctxCheckEvery   = 256
	txRefHexLength  = 64
	txRefHexPrefix  = "0x"
	maxDifficultyHx = len(hash.Hash{}) * 2
)

// AnchorRecord is the ledger-side state of one anchor.
type AnchorRecord struct {
	Ref           AnchorRef `cbor:"1,keyasint"`
	Digest        string    `cbor:"2,keyasint"`
	Metadata      []byte    `cbor:"3,keyasint"`
	Confirmations uint64    `cbor:"4,keyasint"`
}

// Journal persists simulated ledger state so that anchors survive restarts.
type Journal interface {
	SaveAnchor(rec AnchorRecord) error
	LoadAnchors(ledgerID string) ([]AnchorRecord, error)
}

type SimulatedConfig struct {
	LedgerID    string
	Difficulty  int    // leading zero hex digits required of a proof
	MaxAttempts uint64 // proof search attempt cap
	Threshold   uint64 // confirmations at which an anchor counts as Confirmed
	Cap         uint64 // confirmations never advance past this
	VerifyDepth uint64 // confirmations Verify requires
	Journal     Journal
	Now         func() time.Time
	Logger      *logrus.Entry
}

func (c *SimulatedConfig) applyDefaults() error {
	if c.LedgerID == "" {
		c.LedgerID = DefaultLedgerID
	}
	if c.Difficulty == 0 {
		c.Difficulty = DefaultDifficulty
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Cap == 0 {
		c.Cap = DefaultCap
	}
	if c.VerifyDepth == 0 {
		c.VerifyDepth = DefaultVerifyDepth
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	if c.Difficulty < 0 || c.Difficulty > maxDifficultyHx {
		return fmt.Errorf("difficulty must be within 0..%d, got %d", maxDifficultyHx, c.Difficulty)
	}
	if c.Cap < c.Threshold {
		return fmt.Errorf("confirmation cap %d is below threshold %d", c.Cap, c.Threshold)
	}
	if c.VerifyDepth > c.Cap {
		return fmt.Errorf("verify depth %d exceeds confirmation cap %d", c.VerifyDepth, c.Cap)
	}
	return nil
}

// Simulated is an in-process ledger. Commitments are proven by a bounded
// proof-of-work search and confirmations only advance when Advance is called,
// either directly or from a confirmation loop.
type Simulated struct {
	cfg SimulatedConfig
	log *logrus.Entry

	mu      sync.RWMutex
	height  uint64
	records map[string]*AnchorRecord
}

func NewSimulated(cfg SimulatedConfig) (*Simulated, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid simulated ledger config: %w", err)
	}

	s := &Simulated{
		cfg:     cfg,
		log:     cfg.Logger.WithField("ledger", cfg.LedgerID),
		records: make(map[string]*AnchorRecord),
	}

	if cfg.Journal != nil {
		recs, err := cfg.Journal.LoadAnchors(cfg.LedgerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load anchor journal: %w", err)
		}
		for i := range recs {
			rec := recs[i]
			s.records[rec.Ref.TransactionRef] = &rec
			if rec.Ref.BlockNumber > s.height {
				s.height = rec.Ref.BlockNumber
			}
		}
		s.log.WithField("anchors", len(recs)).Debug("Restored anchors from journal")
	}

	return s, nil
}

func (s *Simulated) Anchor(ctx context.Context, digest string, metadata []byte) (AnchorRef, error) {
	if err := ctx.Err(); err != nil {
		return AnchorRef{}, fmt.Errorf("%w: %w", ErrAnchorCommitFailed, err)
	}

	ts := s.cfg.Now().UnixMilli()
	nonce, proofHex, err := s.search(ctx, digest, ts)
	if err != nil {
		return AnchorRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	block := s.height + 1
	ref := AnchorRef{
		LedgerID:       s.cfg.LedgerID,
		TransactionRef: s.transactionRef(digest, ts, block),
		BlockNumber:    block,
		Timestamp:      ts,
		Proof:          fmt.Sprintf("%s:%d:%s", proofScheme, nonce, proofHex),
	}
	rec := &AnchorRecord{
		Ref:      ref,
		Digest:   digest,
		Metadata: append([]byte(nil), metadata...),
	}

	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.SaveAnchor(*rec); err != nil {
			return AnchorRef{}, fmt.Errorf("%w: failed to journal anchor: %v", ErrAnchorCommitFailed, err)
		}
	}

	s.height = block
	s.records[ref.TransactionRef] = rec

	s.log.WithFields(logrus.Fields{
		"block": block,
		"tx":    ref.TransactionRef,
		"nonce": nonce,
	}).Debug("Anchored digest")
	return ref, nil
}

func (s *Simulated) Verify(ctx context.Context, ref AnchorRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	rec, ok := s.lookup(ref.TransactionRef)
	if !ok {
		return false, nil
	}
	if rec.Ref.LedgerID != ref.LedgerID || rec.Ref.BlockNumber != ref.BlockNumber {
		return false, nil
	}
	if !s.checkProof(rec.Digest, ref.Timestamp, ref.Proof) {
		return false, nil
	}
	return rec.Confirmations >= s.cfg.VerifyDepth, nil
}

func (s *Simulated) Confirmations(ctx context.Context, ref AnchorRef) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rec, ok := s.lookup(ref.TransactionRef)
	if !ok {
		return 0, nil
	}
	return rec.Confirmations, nil
}

// State returns where ref stands in the Pending/Confirming/Confirmed progression.
func (s *Simulated) State(ref AnchorRef) State {
	rec, ok := s.lookup(ref.TransactionRef)
	if !ok {
		return Pending
	}
	return StateOf(rec.Confirmations, s.cfg.Threshold)
}

// Height returns the block number of the most recent anchor.
func (s *Simulated) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// Advance adds n confirmations to every anchor below the cap and returns how many
// anchors changed.
func (s *Simulated) Advance(n uint64) int {
	s.mu.Lock()
	changed := make([]AnchorRecord, 0, len(s.records))
	for _, rec := range s.records {
		if s.bump(rec, n) {
			changed = append(changed, *rec)
		}
	}
	s.mu.Unlock()

	s.persist(changed)
	return len(changed)
}

// AdvanceRef adds n confirmations to a single anchor. It reports false for unknown
// references and anchors already at the cap.
func (s *Simulated) AdvanceRef(transactionRef string, n uint64) bool {
	s.mu.Lock()
	rec, ok := s.records[transactionRef]
	var changed []AnchorRecord
	if ok && s.bump(rec, n) {
		changed = append(changed, *rec)
	}
	s.mu.Unlock()

	s.persist(changed)
	return len(changed) > 0
}

// StartConfirmationLoop advances every outstanding anchor by one confirmation per
// tick until ctx is done or the returned stop func is called. stop blocks until the
// loop has exited and its ticker is released.
func (s *Simulated) StartConfirmationLoop(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Advance(1); n > 0 {
					s.log.WithField("anchors", n).Trace("Advanced confirmations")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *Simulated) bump(rec *AnchorRecord, n uint64) bool {
	if rec.Confirmations >= s.cfg.Cap || n == 0 {
		return false
	}
	next := rec.Confirmations + n
	if next > s.cfg.Cap || next < rec.Confirmations {
		next = s.cfg.Cap
	}
	rec.Confirmations = next
	return true
}

func (s *Simulated) persist(recs []AnchorRecord) {
	if s.cfg.Journal == nil {
		return
	}
	for _, rec := range recs {
		if err := s.cfg.Journal.SaveAnchor(rec); err != nil {
			s.log.WithError(err).WithField("tx", rec.Ref.TransactionRef).Warn("Failed to journal confirmations")
		}
	}
}

func (s *Simulated) lookup(transactionRef string) (AnchorRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[transactionRef]
	if !ok {
		return AnchorRecord{}, false
	}
	return *rec, true
}

func (s *Simulated) search(ctx context.Context, digest string, ts int64) (uint64, string, error) {
	for nonce := uint64(0); nonce < s.cfg.MaxAttempts; nonce++ {
		if nonce%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, "", fmt.Errorf("%w: %w", ErrAnchorCommitFailed, err)
			}
		}
		h := proofHash(digest, ts, nonce)
		if meetsDifficulty(h, s.cfg.Difficulty) {
			return nonce, h, nil
		}
	}
	return 0, "", fmt.Errorf("%w: no proof within %d attempts at difficulty %d",
		ErrAnchorCommitFailed, s.cfg.MaxAttempts, s.cfg.Difficulty)
}

// checkProof recomputes the proof hash from the committed digest, the anchor
// timestamp and the nonce carried in the proof string.
func (s *Simulated) checkProof(digest string, ts int64, proof string) bool {
	parts := strings.Split(proof, ":")
	if len(parts) != 3 || parts[0] != proofScheme {
		return false
	}
	nonce, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return false
	}
	h := proofHash(digest, ts, nonce)
	return h == parts[2] && meetsDifficulty(h, s.cfg.Difficulty)
}

func (s *Simulated) transactionRef(digest string, ts int64, block uint64) string {
	var buf bytes.Buffer
	buf.WriteString(s.cfg.LedgerID)
	buf.WriteString(digest)
	_ = binary.Write(&buf, binary.BigEndian, ts)
	_ = binary.Write(&buf, binary.BigEndian, block)
	h := hash.HashBytes(buf.Bytes())
	return txRefHexPrefix + hex.EncodeToString(h[:])[:txRefHexLength]
}

func proofHash(digest string, ts int64, nonce uint64) string {
	payload := make([]byte, 0, len(digest)+16)
	payload = append(payload, digest...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(ts))
	payload = binary.BigEndian.AppendUint64(payload, nonce)
	h := hash.HashBytes(payload)
	return hex.EncodeToString(h[:])
}

func meetsDifficulty(h string, difficulty int) bool {
	if difficulty > len(h) {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if h[i] != '0' {
			return false
		}
	}
	return true
}
