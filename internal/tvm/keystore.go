package tvm

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	keystoreSalt = []byte("ton-gateway-keystore-v1")
	keystoreInfo = []byte("private-key-encryption")
)

// DeriveProcessKey expands the configured master secret into the 32-byte
// process-wide key private keys are encrypted under.
func DeriveProcessKey(masterSecret []byte) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("empty master secret")
	}
	kdf := hkdf.New(sha256.New, masterSecret, keystoreSalt, keystoreInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive process key: %w", err)
	}
	return key, nil
}

// KeyNonce derives the per-address encryption nonce: the first 12 bytes of
// the address row's UUID.
func KeyNonce(addressID uuid.UUID) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, addressID[:chacha20poly1305.NonceSize])
	return nonce
}

// EncryptPrivateKey seals the 32-byte private key seed with
// ChaCha20-Poly1305 under the process key and the address-derived nonce.
func EncryptPrivateKey(processKey, seed []byte, addressID uuid.UUID) ([]byte, error) {
	aead, err := chacha20poly1305.New(processKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead.Seal(nil, KeyNonce(addressID), seed, nil), nil
}

// DecryptPrivateKey opens a sealed private key seed.
func DecryptPrivateKey(processKey, sealed []byte, addressID uuid.UUID) ([]byte, error) {
	aead, err := chacha20poly1305.New(processKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	seed, err := aead.Open(nil, KeyNonce(addressID), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return seed, nil
}
