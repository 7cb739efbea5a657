// Package threshold implements the cryptographic layer shared by the
// epoch consensus engine and the day-proof pipeline: Shamir secret
// sharing over a large prime field, Ed25519 signature-share aggregation,
// and quorum-certificate construction/verification.
package threshold

import (
	"crypto/sha256"
	"math/big"

	"chorus.dev/conductor/cerr"
)

// fieldPrime is the 256-bit prime used as the Shamir field modulus
// (2^256 - 189, the largest prime below 2^256 usable as a field modulus
// for 32-byte secrets).
var fieldPrime = mustPrime()

func mustPrime() *big.Int {
	p := new(big.Int)
	p.SetString("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff43", 16)
	return p
}

// Share is one party's point (i, P(i)) on the sharing polynomial.
type Share struct {
	Index uint16
	Value *big.Int
}

// secretToField hashes secrets longer than 32 bytes down to 32, then
// reduces mod p.
func secretToField(secret []byte) *big.Int {
	b := secret
	if len(b) > 32 {
		sum := sha256.Sum256(b)
		b = sum[:]
	}
	v := new(big.Int).SetBytes(b)
	return v.Mod(v, fieldPrime)
}

// GenerateShares splits secret into n shares such that any t of them
// reconstruct it via Lagrange interpolation. t is the reconstruction
// threshold (2f+1 in the consensus callers).
func GenerateShares(secret []byte, n, t int, randCoeff func() *big.Int) ([]Share, error) {
	if n <= 0 || t <= 0 || t > n {
		return nil, cerr.New(cerr.Configuration, "threshold: invalid n/t parameters")
	}
	s := secretToField(secret)
	coeffs := make([]*big.Int, t)
	coeffs[0] = s
	for i := 1; i < t; i++ {
		coeffs[i] = randCoeff()
	}
	shares := make([]Share, n)
	for i := 1; i <= n; i++ {
		x := big.NewInt(int64(i))
		shares[i-1] = Share{Index: uint16(i), Value: evaluatePolynomial(coeffs, x)}
	}
	return shares, nil
}

// evaluatePolynomial evaluates sum(coeffs[k] * x^k) mod p via Horner's method.
func evaluatePolynomial(coeffs []*big.Int, x *big.Int) *big.Int {
	result := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		result.Mul(result, x)
		result.Add(result, coeffs[i])
		result.Mod(result, fieldPrime)
	}
	return result
}

// Reconstruct recovers the shared secret (as a field element's big-endian
// 32-byte encoding) from at least t shares via Lagrange interpolation at
// x=0. Returns InsufficientShares if fewer than t distinct shares are given.
func Reconstruct(shares []Share, t int) ([32]byte, error) {
	use := dedupeByIndex(shares)
	if len(use) < t {
		return [32]byte{}, cerr.New(cerr.InsufficientShares, "threshold: fewer than t shares")
	}
	use = use[:t]

	secret := new(big.Int)
	for i, si := range use {
		xi := big.NewInt(int64(si.Index))
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j, sj := range use {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.Index))
			// num *= (0 - xj) = -xj
			num.Mul(num, new(big.Int).Neg(xj))
			num.Mod(num, fieldPrime)
			// den *= (xi - xj)
			diff := new(big.Int).Sub(xi, xj)
			diff.Mod(diff, fieldPrime)
			den.Mul(den, diff)
			den.Mod(den, fieldPrime)
		}
		denInv := fermatInverse(den)
		lagrange := new(big.Int).Mul(num, denInv)
		lagrange.Mod(lagrange, fieldPrime)

		term := new(big.Int).Mul(si.Value, lagrange)
		term.Mod(term, fieldPrime)
		secret.Add(secret, term)
		secret.Mod(secret, fieldPrime)
	}

	var out [32]byte
	b := secret.Bytes()
	copy(out[32-len(b):], b)
	return out, nil
}

func dedupeByIndex(shares []Share) []Share {
	seen := make(map[uint16]struct{}, len(shares))
	out := make([]Share, 0, len(shares))
	for _, s := range shares {
		if _, ok := seen[s.Index]; ok {
			continue
		}
		seen[s.Index] = struct{}{}
		out = append(out, s)
	}
	return out
}

// fermatInverse computes a^-1 mod p for prime p via Fermat's little
// theorem: a^(p-2) mod p.
func fermatInverse(a *big.Int) *big.Int {
	exp := new(big.Int).Sub(fieldPrime, big.NewInt(2))
	aMod := new(big.Int).Mod(a, fieldPrime)
	return new(big.Int).Exp(aMod, exp, fieldPrime)
}
