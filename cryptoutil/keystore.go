package cryptoutil

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ed25519"
)

// keystoreVersion identifies the on-disk keystore format.
const keystoreVersion = "CCKSv1"

// KeystoreFile is the on-disk JSON representation of a wrapped validator
// keypair, written/read at the config's keypair_path.
type KeystoreFile struct {
	Version      string `json:"version"`
	PubkeyHex    string `json:"pubkey_hex"`
	KeyIDHex     string `json:"key_id_hex"`
	WrapAlg      string `json:"wrap_alg"`
	WrappedSKHex string `json:"wrapped_sk_hex"`
}

// WriteKeystore wraps kp.Private under kek (32 bytes, AES-256) and writes it
// to path as JSON, mode 0600.
func WriteKeystore(path string, kp KeyPair, kek []byte) error {
	wrapped, err := AESKeyWrapRFC3394(kek, kp.Private)
	if err != nil {
		return fmt.Errorf("keystore: wrap: %w", err)
	}
	keyID := Hash(kp.Public)
	ks := KeystoreFile{
		Version:      keystoreVersion,
		PubkeyHex:    hex.EncodeToString(kp.Public),
		KeyIDHex:     hex.EncodeToString(keyID[:]),
		WrapAlg:      "AES-256-KW",
		WrappedSKHex: hex.EncodeToString(wrapped),
	}
	b, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o600)
}

// ReadKeystore loads and unwraps the validator keypair stored at path,
// verifying the wrap integrity and the embedded public key's derived
// key id.
func ReadKeystore(path string, kek []byte) (KeyPair, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
	if err != nil {
		return KeyPair{}, err
	}
	var ks KeystoreFile
	if err := json.Unmarshal(raw, &ks); err != nil {
		return KeyPair{}, err
	}
	if ks.Version != keystoreVersion {
		return KeyPair{}, fmt.Errorf("keystore: unsupported version %q", ks.Version)
	}
	if strings.ToUpper(ks.WrapAlg) != "AES-256-KW" {
		return KeyPair{}, fmt.Errorf("keystore: unsupported wrap_alg %q", ks.WrapAlg)
	}
	pub, err := hex.DecodeString(ks.PubkeyHex)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: pubkey_hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return KeyPair{}, fmt.Errorf("keystore: pubkey has wrong length %d", len(pub))
	}
	wrapped, err := hex.DecodeString(ks.WrappedSKHex)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: wrapped_sk_hex: %w", err)
	}
	sk, err := AESKeyUnwrapRFC3394(kek, wrapped)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: unwrap: %w", err)
	}
	if len(sk) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("keystore: unwrapped key has wrong length %d", len(sk))
	}
	keyID := Hash(pub)
	if hex.EncodeToString(keyID[:]) != strings.ToLower(ks.KeyIDHex) {
		return KeyPair{}, fmt.Errorf("keystore: key_id mismatch: embedded=%s computed=%x", ks.KeyIDHex, keyID)
	}
	return KeyPair{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(sk)}, nil
}
