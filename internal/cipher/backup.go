package cipher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	crypt "github.com/i5heu/ouroboros-crypt"
	"github.com/i5heu/ouroboros-crypt/encrypt"
)

// sealedBackup is the on-disk envelope of a key backup sealed for an operator keypair.
type sealedBackup struct {
	Version         string `cbor:"1,keyasint"`
	EncapsulatedKey []byte `cbor:"2,keyasint"`
	Nonce           []byte `cbor:"3,keyasint"`
	Ciphertext      []byte `cbor:"4,keyasint"`
}

// SealBackup encrypts a key backup for the operator keys held by c.
func SealBackup(c *crypt.Crypt, b KeyBackup) ([]byte, error) {
	plain, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key backup: %w", err)
	}
	res, err := c.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to seal key backup: %w", err)
	}
	out, err := cbor.Marshal(sealedBackup{
		Version:         blobVersion,
		EncapsulatedKey: res.EncapsulatedKey,
		Nonce:           res.Nonce,
		Ciphertext:      res.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sealed backup: %w", err)
	}
	return out, nil
}

// OpenBackup reverses SealBackup.
func OpenBackup(c *crypt.Crypt, sealed []byte) (KeyBackup, error) {
	var env sealedBackup
	if err := cbor.Unmarshal(sealed, &env); err != nil {
		return KeyBackup{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if env.Version != blobVersion {
		return KeyBackup{}, fmt.Errorf("%w: unsupported backup version %q", ErrInvalidKeyFormat, env.Version)
	}
	plain, err := c.Decrypt(&encrypt.EncryptResult{
		Ciphertext:      env.Ciphertext,
		EncapsulatedKey: env.EncapsulatedKey,
		Nonce:           env.Nonce,
	})
	if err != nil {
		return KeyBackup{}, fmt.Errorf("failed to open sealed backup: %w", err)
	}
	var b KeyBackup
	if err := json.Unmarshal(plain, &b); err != nil {
		return KeyBackup{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return b, nil
}

// SaveKeyFile writes b to path. When sealer is non-nil the backup is sealed first.
func SaveKeyFile(path string, b KeyBackup, sealer *crypt.Crypt) error {
	var (
		payload []byte
		err     error
	)
	if sealer != nil {
		payload, err = SealBackup(sealer, b)
	} else {
		payload, err = json.MarshalIndent(b, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	return nil
}

// LoadKeyFile reads a backup written by SaveKeyFile. It returns os.ErrNotExist
// (wrapped) when no key file is present.
func LoadKeyFile(path string, sealer *crypt.Crypt) (KeyPair, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return KeyPair{}, fmt.Errorf("key file %s: %w", path, os.ErrNotExist)
		}
		return KeyPair{}, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	var b KeyBackup
	if sealer != nil {
		b, err = OpenBackup(sealer, payload)
		if err != nil {
			return KeyPair{}, err
		}
	} else if err := json.Unmarshal(payload, &b); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return ImportKeyPair(b)
}
