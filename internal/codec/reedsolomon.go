package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-crypt/hash"
	"github.com/klauspost/reedsolomon"
)

var ErrUnrecoverable = errors.New("codec: too few intact shards to reconstruct")

// Shard is one Reed-Solomon piece of an encoded blob. ShardHash covers the header
// fields as well as Content, so a shard damaged anywhere is dropped and rebuilt
// from parity.
type Shard struct {
	BlobHash     hash.Hash `cbor:"1,keyasint"`
	ShardHash    hash.Hash `cbor:"2,keyasint"`
	DataShards   uint8     `cbor:"3,keyasint"`
	ParityShards uint8     `cbor:"4,keyasint"`
	Index        uint8     `cbor:"5,keyasint"`
	OriginalSize uint64    `cbor:"6,keyasint"`
	Content      []byte    `cbor:"7,keyasint"`
}

// layout is the part of a shard header every shard of one blob agrees on.
type layout struct {
	blobHash     hash.Hash
	dataShards   uint8
	parityShards uint8
	originalSize uint64
}

func (s Shard) layout() layout {
	return layout{
		blobHash:     s.BlobHash,
		dataShards:   s.DataShards,
		parityShards: s.ParityShards,
		originalSize: s.OriginalSize,
	}
}

func (s Shard) digest() hash.Hash {
	buf := make([]byte, 0, len(s.BlobHash)+11+len(s.Content))
	buf = append(buf, s.BlobHash[:]...)
	buf = append(buf, s.DataShards, s.ParityShards, s.Index)
	buf = binary.BigEndian.AppendUint64(buf, s.OriginalSize)
	buf = append(buf, s.Content...)
	return hash.HashBytes(buf)
}

// Intact reports whether the shard still matches its own hash.
func (s Shard) Intact() bool {
	return s.digest() == s.ShardHash
}

func SplitReedSolomon(blob []byte, dataShards, parityShards uint8) ([]Shard, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("cannot shard an empty blob")
	}
	enc, err := reedsolomon.New(int(dataShards), int(parityShards))
	if err != nil {
		return nil, fmt.Errorf("error creating reed solomon encoder: %w", err)
	}
	split, err := enc.Split(blob)
	if err != nil {
		return nil, fmt.Errorf("error splitting blob: %w", err)
	}
	if err := enc.Encode(split); err != nil {
		return nil, fmt.Errorf("error computing parity: %w", err)
	}
	if len(split) != int(dataShards)+int(parityShards) {
		return nil, fmt.Errorf("unexpected number of shards: got %d, expected %d", len(split), int(dataShards)+int(parityShards))
	}

	blobHash := hash.HashBytes(blob)
	shards := make([]Shard, 0, len(split))
	for i, content := range split {
		shard := Shard{
			BlobHash:     blobHash,
			DataShards:   dataShards,
			ParityShards: parityShards,
			Index:        uint8(i),
			OriginalSize: uint64(len(blob)),
			Content:      content,
		}
		shard.ShardHash = shard.digest()
		shards = append(shards, shard)
	}
	return shards, nil
}

// ReconstructReedSolomon rebuilds the blob from any sufficient subset of shards.
// Shards that fail their hash are treated as missing. The layout is taken from the
// majority of intact shards and shards that disagree with it are skipped.
func ReconstructReedSolomon(shards []Shard) ([]byte, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("no shards provided for reconstruction")
	}

	intact := make([]Shard, 0, len(shards))
	for _, s := range shards {
		if s.Intact() {
			intact = append(intact, s)
		}
	}
	ref, ok := majorityLayout(intact)
	if !ok {
		return nil, fmt.Errorf("%w: no intact shards", ErrUnrecoverable)
	}

	dataShards := int(ref.dataShards)
	total := dataShards + int(ref.parityShards)
	enc, err := reedsolomon.New(dataShards, int(ref.parityShards))
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon decoder: %w", err)
	}

	rsShards := make([][]byte, total)
	usable := 0
	for _, s := range intact {
		if s.layout() != ref || int(s.Index) >= total || rsShards[s.Index] != nil {
			continue
		}
		rsShards[s.Index] = s.Content
		usable++
	}
	if usable < dataShards {
		return nil, fmt.Errorf("%w: %d of %d required", ErrUnrecoverable, usable, dataShards)
	}

	if err := enc.Reconstruct(rsShards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct Reed-Solomon shards: %w", err)
	}
	var out bytes.Buffer
	if err := enc.Join(&out, rsShards, int(ref.originalSize)); err != nil {
		return nil, fmt.Errorf("failed to join Reed-Solomon shards: %w", err)
	}
	if hash.HashBytes(out.Bytes()) != ref.blobHash {
		return nil, fmt.Errorf("%w: reconstructed blob hash mismatch", ErrUnrecoverable)
	}
	return out.Bytes(), nil
}

// majorityLayout returns the layout most shards agree on. Ties go to the layout
// seen first.
func majorityLayout(shards []Shard) (layout, bool) {
	var (
		best  layout
		count int
	)
	votes := make(map[layout]int, 1)
	for _, s := range shards {
		l := s.layout()
		votes[l]++
		if votes[l] > count {
			best, count = l, votes[l]
		}
	}
	return best, count > 0
}
