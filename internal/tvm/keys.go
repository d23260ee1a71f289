package tvm

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	slip10 "github.com/anyproto/go-slip10"
	"github.com/tyler-smith/go-bip39"
)

// derivationPath is the SLIP-0044 path for the chain's registered coin type.
const derivationPath = "m/44'/607'/0'"

// KeyPair holds a freshly generated signing key. The private key never
// leaves the process unencrypted.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new ed25519 key from fresh BIP-39 entropy,
// derived at the chain's SLIP-10 path.
func GenerateKeyPair() (*KeyPair, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("derive mnemonic: %w", err)
	}
	return KeyPairFromMnemonic(mnemonic)
}

// KeyPairFromMnemonic derives the gateway signing key from a BIP-39 phrase.
// Used when importing externally generated custodial keys.
func KeyPairFromMnemonic(mnemonic string) (*KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	node, err := slip10.DeriveForPath(derivationPath, seed)
	if err != nil {
		return nil, fmt.Errorf("derive key path: %w", err)
	}
	pub, priv := node.Keypair()
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// PublicKeyFromHex decodes a hex-encoded ed25519 public key.
func PublicKeyFromHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// KeyPairFromSeed rebuilds a key pair from a stored 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// Seed returns the 32-byte seed of the private key, the form kept encrypted
// at rest.
func (k *KeyPair) Seed() []byte {
	return k.PrivateKey.Seed()
}

// Sign signs the digest and returns the 64-byte signature.
func (k *KeyPair) Sign(digest []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(k.PrivateKey, digest))
	return sig
}
