// Package cryptoutil collects the hashing, signing, and key-custody
// primitives shared across the validator core: BLAKE3 hashing, Ed25519
// signing, and an at-rest keystore for the validator's secret key.
package cryptoutil

import "lukechampine.com/blake3"

// HashSize is the width in bytes of every digest produced by this package.
const HashSize = 32

// Hash returns the 32-byte BLAKE3 digest of data.
func Hash(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of parts without an intermediate
// allocation for each part.
func HashConcat(parts ...[]byte) [HashSize]byte {
	h := blake3.New(HashSize, nil)
	for _, p := range parts {
		h.Write(p) //nolint:errcheck // hash.Hash.Write never errors
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashString hashes the UTF-8 bytes of s.
func HashString(s string) [HashSize]byte {
	return Hash([]byte(s))
}
