package verifier

import "time"

const (
	custodyActor  = "integrity-verifier"
	custodyAction = "chain_verification"
)

// Result is the outcome of one VerifyChain call. A false IsValid means the evidence is
// not trustworthy; it is never reported as an error.
type Result struct {
	IsValid        bool              `json:"is_valid"`
	FrameCount     int               `json:"frame_count"`
	Confirmations  map[string]uint64 `json:"confirmations"`
	TamperEvidence string            `json:"tamper_evidence,omitempty"`
	Report         CourtReport       `json:"report"`
}

type CourtReport struct {
	EvidenceID     string         `json:"evidence_id"`
	CustodyEntries []CustodyEntry `json:"custody_entries"`
	ContentHashes  []string       `json:"content_hashes"`
	Compliance     Compliance     `json:"compliance"`
	Proofs         Proofs         `json:"proofs"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

type CustodyEntry struct {
	Timestamp     int64  `json:"timestamp"` // ms since epoch
	Actor         string `json:"actor"`
	Action        string `json:"action"`
	Signature     string `json:"signature"`
	BlockchainRef string `json:"blockchain_ref"`
}

type Compliance struct {
	Standards      []string `json:"standards"`
	Certifications []string `json:"certifications"`
	Jurisdictions  []string `json:"jurisdictions"`
}

// Proofs summarises what a third party needs to re-check the chain.
type Proofs struct {
	FirstHash      string        `json:"first_hash,omitempty"`
	LastHash       string        `json:"last_hash,omitempty"`
	ChainDigest    string        `json:"chain_digest,omitempty"`
	FirstTimestamp int64         `json:"first_timestamp,omitempty"`
	LastTimestamp  int64         `json:"last_timestamp,omitempty"`
	Anchors        []AnchorProof `json:"anchors"`
}

type AnchorProof struct {
	Sequence       uint64 `json:"sequence"`
	LedgerID       string `json:"ledger_id"`
	TransactionRef string `json:"transaction_ref"`
	BlockNumber    uint64 `json:"block_number"`
	Proof          string `json:"proof"`
}

// StaticCompliance is attached to every report. It is informational only.
func StaticCompliance() Compliance {
	return Compliance{
		Standards: []string{
			"ISO/IEC 27037:2012",
			"NIST SP 800-101",
			"Daubert Standard",
			"FRE 901(b)",
		},
		Certifications: []string{"ISO 27001", "SOC 2 Type II"},
		Jurisdictions: []string{
			"US Federal Rules of Evidence",
			"EU GDPR",
			"UK Criminal Justice Act",
		},
	}
}
