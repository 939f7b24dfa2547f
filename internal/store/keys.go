package store

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	FRAME_PREFIX  = "frame:"
	SHARD_PREFIX  = "shard:"
	HEAD_PREFIX   = "head:"
	REPORT_PREFIX = "report:"
	ANCHOR_PREFIX = "anchor:"
)

func checkChainID(chain string) error {
	if chain == "" {
		return fmt.Errorf("%w: empty chain id", ErrInvalidChainID)
	}
	if strings.ContainsAny(chain, ": \t\n") {
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidChainID, chain)
	}
	return nil
}

// Sequences are zero padded so that lexical key order equals numeric order.
func frameKey(chain string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", FRAME_PREFIX, chain, seq))
}

func framePrefix(chain string) []byte {
	return []byte(FRAME_PREFIX + chain + ":")
}

func shardPrefix(chain string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:", SHARD_PREFIX, chain, seq))
}

func shardKey(chain string, seq uint64, index uint8) []byte {
	return append(shardPrefix(chain, seq), fmt.Sprintf("%03d", index)...)
}

func headKey(chain string) []byte {
	return []byte(HEAD_PREFIX + chain)
}

func reportKey(evidenceID string) []byte {
	return []byte(REPORT_PREFIX + evidenceID)
}

func anchorPrefix(ledgerID string) []byte {
	return []byte(ANCHOR_PREFIX + ledgerID + ":")
}

func anchorKey(ledgerID, transactionRef string) []byte {
	return append(anchorPrefix(ledgerID), transactionRef...)
}

func encodeSequence(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSequence(data []byte) uint64 {
	if len(data) >= 8 {
		return binary.BigEndian.Uint64(data[:8])
	}

	var buf [8]byte
	copy(buf[8-len(data):], data)
	return binary.BigEndian.Uint64(buf[:])
}
