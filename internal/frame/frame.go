// Package frame holds the evidence data model and its canonical encodings.
//
// Frames are serialized with deterministic CBOR so that the same frame always hashes to
// the same content digest. Encrypted records are what the store persists and what the
// verifier consumes.
package frame

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/i5heu/ouroboros-evidence/internal/cipher"
	"github.com/i5heu/ouroboros-evidence/internal/ledger"
)

var (
	// ErrMalformedFrame is returned when decrypted bytes do not decode to a Frame.
	ErrMalformedFrame = errors.New("frame: malformed frame")
	// ErrMalformedRecord is returned when an EncryptedFrame is structurally unusable.
	ErrMalformedRecord = errors.New("frame: malformed encrypted record")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("frame: failed to build cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		IndefLength:       cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("frame: failed to build cbor decoder: %v", err))
	}
}

type Location struct {
	_   struct{} `cbor:",toarray"`
	Lat float64  `json:"lat"`
	Lng float64  `json:"lng"`
}

type Resolution struct {
	_      struct{} `cbor:",toarray"`
	Width  uint32   `json:"width"`
	Height uint32   `json:"height"`
}

// Metadata describes the capture context of a frame. It travels in clear text next to
// the ciphertext and is passed opaquely to the ledger.
type Metadata struct {
	_          struct{}   `cbor:",toarray"`
	DeviceID   string     `json:"device_id"`
	Location   *Location  `json:"location,omitempty"`
	Resolution Resolution `json:"resolution"`
	FrameRate  float64    `json:"frame_rate"`
	Codec      string     `json:"codec"`
}

// Frame is one unit of captured evidence.
type Frame struct {
	_         struct{} `cbor:",toarray"`
	Timestamp int64    `json:"timestamp"` // ms since epoch
	Sequence  uint64   `json:"sequence"`
	Payload   []byte   `json:"payload"`
	Metadata  Metadata `json:"metadata"`
}

// Marshal returns the canonical serialization of f.
func Marshal(f Frame) ([]byte, error) {
	b, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize frame %d: %w", f.Sequence, err)
	}
	return b, nil
}

// Unmarshal decodes canonical frame bytes. Any schema violation yields ErrMalformedFrame.
func Unmarshal(b []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// EncodeMetadata returns the canonical bytes of m, used as opaque anchor metadata.
func EncodeMetadata(m Metadata) ([]byte, error) {
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return b, nil
}

// EncryptedFrame is the persisted and exchanged form of a frame. Byte fields marshal to
// standard base64 in JSON; hashes are lowercase hex.
type EncryptedFrame struct {
	Sequence     uint64             `json:"sequence" cbor:"1,keyasint"`
	Ciphertext   []byte             `json:"ciphertext" cbor:"2,keyasint"`
	Nonce        []byte             `json:"nonce" cbor:"3,keyasint"`
	AuthTag      []byte             `json:"auth_tag" cbor:"4,keyasint"`
	ContentHash  string             `json:"content_hash" cbor:"5,keyasint"`
	PreviousHash string             `json:"previous_hash" cbor:"6,keyasint"`
	Timestamp    int64              `json:"timestamp" cbor:"7,keyasint"`
	AnchorRefs   []ledger.AnchorRef `json:"anchor_refs" cbor:"8,keyasint"`
	Metadata     Metadata           `json:"metadata" cbor:"9,keyasint"`
	Compression  string             `json:"compression,omitempty" cbor:"10,keyasint,omitempty"`
}

// Check reports structural problems of the record: digest shapes, nonce and tag sizes,
// missing ciphertext or anchors.
func (ef EncryptedFrame) Check() error {
	switch {
	case !cipher.IsDigest(ef.ContentHash):
		return fmt.Errorf("%w: content hash is not a %d byte hex digest", ErrMalformedRecord, cipher.HashSize)
	case !cipher.IsDigest(ef.PreviousHash):
		return fmt.Errorf("%w: previous hash is not a %d byte hex digest", ErrMalformedRecord, cipher.HashSize)
	case len(ef.Nonce) != cipher.NonceSize:
		return fmt.Errorf("%w: nonce is %d bytes", ErrMalformedRecord, len(ef.Nonce))
	case len(ef.AuthTag) != cipher.TagSize:
		return fmt.Errorf("%w: auth tag is %d bytes", ErrMalformedRecord, len(ef.AuthTag))
	case len(ef.Ciphertext) == 0:
		return fmt.Errorf("%w: empty ciphertext", ErrMalformedRecord)
	case len(ef.AnchorRefs) == 0:
		return fmt.Errorf("%w: no anchor references", ErrMalformedRecord)
	}
	return nil
}

// MarshalRecord returns the canonical CBOR encoding of ef.
func MarshalRecord(ef EncryptedFrame) ([]byte, error) {
	b, err := encMode.Marshal(ef)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record %d: %w", ef.Sequence, err)
	}
	return b, nil
}

func UnmarshalRecord(b []byte) (EncryptedFrame, error) {
	var ef EncryptedFrame
	if err := decMode.Unmarshal(b, &ef); err != nil {
		return EncryptedFrame{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return ef, nil
}
