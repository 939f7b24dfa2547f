package cipher

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	AlgorithmAESGCM = "aes-256-gcm"
	AlgorithmMAC    = "blake2b-256-mac"

	blobVersion = "oev1"
)

// Key is an opaque symmetric key bound to the algorithm that created it.
type Key struct {
	alg string
	raw []byte
}

// Algorithm returns the algorithm the key was generated for.
func (k Key) Algorithm() string {
	return k.alg
}

// IsZero reports whether k holds no key material.
func (k Key) IsZero() bool {
	return len(k.raw) == 0
}

// Destroy overwrites the key material in place.
func (k Key) Destroy() {
	for i := range k.raw {
		k.raw[i] = 0
	}
}

// ExportKey encodes k as a versioned backup blob: "oev1:<algorithm>:<base64>".
func ExportKey(k Key) string {
	return blobVersion + ":" + k.alg + ":" + base64.StdEncoding.EncodeToString(k.raw)
}

// ImportKey parses a blob produced by ExportKey.
func ImportKey(blob string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(blob), ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrInvalidKeyFormat, len(parts))
	}
	if parts[0] != blobVersion {
		return Key{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidKeyFormat, parts[0])
	}
	alg := parts[1]
	if alg != AlgorithmAESGCM && alg != AlgorithmMAC {
		return Key{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKeyFormat, alg)
	}
	raw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKeyFormat, KeySize, len(raw))
	}
	return Key{alg: alg, raw: raw}, nil
}

// KeyPair is the key material owned by one pipeline.
type KeyPair struct {
	Encryption Key
	MAC        Key
}

// KeyBackup is the exported form of a KeyPair.
type KeyBackup struct {
	Encryption string `json:"encryption"`
	MAC        string `json:"mac"`
}

func (s *Service) GenerateKeyPair() (KeyPair, error) {
	enc, err := s.GenerateKey()
	if err != nil {
		return KeyPair{}, err
	}
	mac, err := s.GenerateMACKey()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Encryption: enc, MAC: mac}, nil
}

func (kp KeyPair) Export() KeyBackup {
	return KeyBackup{
		Encryption: ExportKey(kp.Encryption),
		MAC:        ExportKey(kp.MAC),
	}
}

func (kp KeyPair) Destroy() {
	kp.Encryption.Destroy()
	kp.MAC.Destroy()
}

// ImportKeyPair restores a KeyPair and checks each key was exported for its role.
func ImportKeyPair(b KeyBackup) (KeyPair, error) {
	enc, err := ImportKey(b.Encryption)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to import encryption key: %w", err)
	}
	if enc.alg != AlgorithmAESGCM {
		return KeyPair{}, fmt.Errorf("%w: encryption key has algorithm %q", ErrInvalidKeyFormat, enc.alg)
	}
	mac, err := ImportKey(b.MAC)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to import mac key: %w", err)
	}
	if mac.alg != AlgorithmMAC {
		return KeyPair{}, fmt.Errorf("%w: mac key has algorithm %q", ErrInvalidKeyFormat, mac.alg)
	}
	return KeyPair{Encryption: enc, MAC: mac}, nil
}
