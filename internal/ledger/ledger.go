// Package ledger defines the boundary between the evidence core and the append-only
// ledger that frame hashes are anchored to.
//
// The core only ever calls Anchor, Verify and Confirmations. Chain selection, fee
// estimation and multi-chain aggregation belong to the Ledger implementation.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAnchorCommitFailed is returned when a digest could not be committed,
	// for example because the proof search hit its attempt cap.
	ErrAnchorCommitFailed = errors.New("ledger: anchor commit failed")
	// ErrLedgerUnavailable marks operational faults talking to the ledger. It is
	// distinct from an anchor that is unknown or invalid, which Verify reports as false.
	ErrLedgerUnavailable = errors.New("ledger: unavailable")
)

// AnchorRef is the receipt of a committed digest. It is immutable; confirmation depth
// is always queried from the ledger.
type AnchorRef struct {
	LedgerID       string `json:"ledger_id" cbor:"1,keyasint"`
	TransactionRef string `json:"transaction_ref" cbor:"2,keyasint"`
	BlockNumber    uint64 `json:"block_number" cbor:"3,keyasint"`
	Timestamp      int64  `json:"timestamp" cbor:"4,keyasint"` // ms since epoch
	Proof          string `json:"proof" cbor:"5,keyasint"`
}

// Ledger is implemented by every anchoring backend.
type Ledger interface {
	// Anchor commits digest and returns its reference. metadata is opaque to the core.
	Anchor(ctx context.Context, digest string, metadata []byte) (AnchorRef, error)
	// Verify checks the commitment proof of ref and that it has enough confirmations.
	// Unknown references yield false with a nil error.
	Verify(ctx context.Context, ref AnchorRef) (bool, error)
	// Confirmations returns the current depth of ref, 0 if unknown or pending.
	Confirmations(ctx context.Context, ref AnchorRef) (uint64, error)
}

// State is the confirmation stage of an anchor.
type State int

const (
	Pending State = iota
	Confirming
	Confirmed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirming:
		return "confirming"
	case Confirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateOf maps a confirmation depth onto the anchor state machine for threshold N.
func StateOf(confirmations, threshold uint64) State {
	switch {
	case confirmations == 0:
		return Pending
	case confirmations < threshold:
		return Confirming
	default:
		return Confirmed
	}
}
