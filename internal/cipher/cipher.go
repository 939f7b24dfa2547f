// Package cipher provides the symmetric primitives the evidence pipeline is built on:
// AES-256-GCM sealing with detached tags, content hashing and keyed MACs.
//
// A Service holds no key material; keys are passed in explicitly so that several
// independent pipelines can share one Service.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/i5heu/ouroboros-crypt/hash"
	"golang.org/x/crypto/blake2b"
)

const (
	KeySize   = 32 // AES-256 and MAC key size in bytes
	NonceSize = 12 // 96-bit GCM nonce
	TagSize   = 16 // GCM authentication tag

	// HashSize is the size in bytes of a content digest.
	HashSize = len(hash.Hash{})
)

var (
	ErrKeyGeneration         = errors.New("cipher: key generation failed")
	ErrInvalidKeyFormat      = errors.New("cipher: invalid key format")
	ErrAuthenticationFailure = errors.New("cipher: authentication failure")
	ErrDecryption            = errors.New("cipher: decryption failed")
)

// GenesisHash is the previous hash of the first frame in every chain.
var GenesisHash = strings.Repeat("0", HashSize*2)

// Sealed is the output of a single encryption.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

type Service struct {
	rand io.Reader
}

// New returns a Service reading randomness from crypto/rand.
func New() *Service {
	return &Service{rand: rand.Reader}
}

// NewWithRand returns a Service reading randomness from r.
func NewWithRand(r io.Reader) *Service {
	return &Service{rand: r}
}

func (s *Service) GenerateKey() (Key, error) {
	return s.generate(AlgorithmAESGCM)
}

// GenerateMACKey returns a fresh key for MAC signatures.
func (s *Service) GenerateMACKey() (Key, error) {
	return s.generate(AlgorithmMAC)
}

func (s *Service) generate(alg string) (Key, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(s.rand, raw); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return Key{alg: alg, raw: raw}, nil
}

// Encrypt seals plaintext under key with a freshly drawn nonce.
func (s *Service) Encrypt(plaintext []byte, key Key) (Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to draw nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - TagSize
	return Sealed{
		Ciphertext: out[:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

// Decrypt opens a sealed payload. A tag that does not verify yields
// ErrAuthenticationFailure; no plaintext is returned on any failure.
func (s *Service) Decrypt(ciphertext, nonce, tag []byte, key Key) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrDecryption, NonceSize, len(nonce))
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag must be %d bytes, got %d", ErrDecryption, TagSize, len(tag))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// Hash returns the lowercase hex content digest of data.
func (s *Service) Hash(data []byte) string {
	h := hash.HashBytes(data)
	return hex.EncodeToString(h[:])
}

// MAC returns a keyed BLAKE2b-256 tag over data in lowercase hex.
func (s *Service) MAC(data []byte, key Key) (string, error) {
	if key.alg != AlgorithmMAC || len(key.raw) != KeySize {
		return "", fmt.Errorf("%w: expected %s key", ErrInvalidKeyFormat, AlgorithmMAC)
	}
	m, err := blake2b.New256(key.raw)
	if err != nil {
		return "", fmt.Errorf("failed to create mac: %w", err)
	}
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil)), nil
}

// IsDigest reports whether s has the shape of a content digest.
func IsDigest(s string) bool {
	if len(s) != HashSize*2 {
		return false
	}
	if strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func newGCM(key Key) (stdcipher.AEAD, error) {
	if key.alg != AlgorithmAESGCM || len(key.raw) != KeySize {
		return nil, fmt.Errorf("%w: expected %s key", ErrDecryption, AlgorithmAESGCM)
	}
	block, err := aes.NewCipher(key.raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return aead, nil
}
