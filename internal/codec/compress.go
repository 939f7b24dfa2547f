package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressionZstd names the only compression scheme records may carry.
const CompressionZstd = "zstd"

// maxDecodedSize bounds what a single record may inflate to.
const maxDecodedSize = 256 << 20

var (
	coderOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	coderErr  error
)

// coders returns the shared encoder and decoder. Both are only used through
// EncodeAll and DecodeAll, which are safe for concurrent use.
func coders() (*zstd.Encoder, *zstd.Decoder, error) {
	coderOnce.Do(func() {
		encoder, coderErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if coderErr != nil {
			coderErr = fmt.Errorf("failed to create zstd encoder: %w", coderErr)
			return
		}
		decoder, coderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDecodedSize),
		)
		if coderErr != nil {
			coderErr = fmt.Errorf("failed to create zstd decoder: %w", coderErr)
		}
	})
	return encoder, decoder, coderErr
}

func CompressWithZstd(data []byte) ([]byte, error) {
	enc, _, err := coders()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func DecompressWithZstd(data []byte) ([]byte, error) {
	_, dec, err := coders()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress zstd data: %w", err)
	}
	return out, nil
}

// Decompress reverses the named compression scheme. An empty scheme returns data unchanged.
func Decompress(scheme string, data []byte) ([]byte, error) {
	switch scheme {
	case "":
		return data, nil
	case CompressionZstd:
		return DecompressWithZstd(data)
	default:
		return nil, fmt.Errorf("unknown compression scheme %q", scheme)
	}
}
