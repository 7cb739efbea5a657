package cryptoutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// PublicKeySize and SignatureSize mirror ed25519's fixed widths; named here
// so callers don't reach into golang.org/x/crypto/ed25519 directly.
const (
	PublicKeySize = ed25519.PublicKeySize
	SecretKeySize = ed25519.PrivateKeySize
	SignatureSize = ed25519.SignatureSize
)

// PublicKeyHex is a validator's public key in its hex-encoded wire/storage
// form, used as the validator-id map key throughout.
type PublicKeyHex string

// NewPublicKeyHex encodes a raw public key.
func NewPublicKeyHex(pub ed25519.PublicKey) PublicKeyHex {
	return PublicKeyHex(hex.EncodeToString(pub))
}

// Bytes decodes the hex form back into a raw Ed25519 public key, validating
// its length.
func (k PublicKeyHex) Bytes() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(k))
	if err != nil {
		return nil, fmt.Errorf("public key: invalid hex: %w", err)
	}
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("public key: expected %d bytes, got %d", PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func (k PublicKeyHex) String() string { return string(k) }

// KeyPair is a validator's Ed25519 identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
