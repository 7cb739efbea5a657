package threshold

import (
	"crypto/rand"
	"math/big"
	"testing"

	"chorus.dev/conductor/cryptoutil"
)

func testRandCoeff() *big.Int {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	v := new(big.Int).SetBytes(b)
	return v.Mod(v, fieldPrime)
}

func TestShamirRoundTrip(t *testing.T) {
	secret := []byte("a 32 byte secret padded out here")[:32]
	shares, err := GenerateShares(secret, 7, 4, testRandCoeff)
	if err != nil {
		t.Fatalf("GenerateShares: %v", err)
	}
	if len(shares) != 7 {
		t.Fatalf("expected 7 shares, got %d", len(shares))
	}

	got, err := Reconstruct(shares[:4], 4)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	want := secretToField(secret).Bytes()
	var wantArr [32]byte
	copy(wantArr[32-len(want):], want)
	if got != wantArr {
		t.Fatalf("reconstructed secret does not match original")
	}

	// Different subset of 4 shares should reconstruct the same secret.
	got2, err := Reconstruct(append([]Share{}, shares[1], shares[3], shares[5], shares[6]), 4)
	if err != nil {
		t.Fatalf("Reconstruct (subset 2): %v", err)
	}
	if got2 != got {
		t.Fatalf("different share subsets reconstructed different secrets")
	}
}

func TestShamirSubthresholdFails(t *testing.T) {
	secret := []byte("another secret of exactly 32byt")
	shares, err := GenerateShares(secret, 5, 3, testRandCoeff)
	if err != nil {
		t.Fatalf("GenerateShares: %v", err)
	}
	if _, err := Reconstruct(shares[:2], 3); err == nil {
		t.Fatalf("expected reconstruction with <t shares to fail")
	}
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	kp1, _ := cryptoutil.GenerateKeyPair()
	kp2, _ := cryptoutil.GenerateKeyPair()
	msg := []byte("COIN_5_0")
	s1 := SignatureShare{Index: 1, Validator: cryptoutil.NewPublicKeyHex(kp1.Public)}
	copy(s1.Signature[:], cryptoutil.Sign(kp1.Private, msg))
	s2 := SignatureShare{Index: 2, Validator: cryptoutil.NewPublicKeyHex(kp2.Public)}
	copy(s2.Signature[:], cryptoutil.Sign(kp2.Private, msg))

	aggA := Aggregate([]SignatureShare{s1, s2})
	aggB := Aggregate([]SignatureShare{s2, s1})
	if aggA.Shares[0].Index != aggB.Shares[0].Index {
		t.Fatalf("expected canonicalized order to match regardless of input order")
	}
	if !VerifyAggregated(aggA, msg, 2) || !VerifyAggregated(aggB, msg, 2) {
		t.Fatalf("expected both aggregates to verify with t=2")
	}
	if VerifyAggregated(aggA, msg, 3) {
		t.Fatalf("expected aggregate of 2 shares to fail at t=3")
	}
}

func TestQuorumCertificateVerification(t *testing.T) {
	payload := cryptoutil.HashString("block digest payload")
	validators := make(map[cryptoutil.PublicKeyHex]struct{})
	sigs := make(map[cryptoutil.PublicKeyHex][64]byte)
	for i := 0; i < 3; i++ {
		kp, _ := cryptoutil.GenerateKeyPair()
		id := cryptoutil.NewPublicKeyHex(kp.Public)
		validators[id] = struct{}{}
		var sig [64]byte
		copy(sig[:], cryptoutil.Sign(kp.Private, payload[:]))
		sigs[id] = sig
	}
	qc, err := BuildQuorumCertificate("epoch:3", payload, sigs, 3)
	if err != nil {
		t.Fatalf("BuildQuorumCertificate: %v", err)
	}
	if err := VerifyQuorumCertificate(qc, validators, 3); err != nil {
		t.Fatalf("VerifyQuorumCertificate: %v", err)
	}

	// An extra signature from an unknown validator must be rejected.
	kp, _ := cryptoutil.GenerateKeyPair()
	id := cryptoutil.NewPublicKeyHex(kp.Public)
	var sig [64]byte
	copy(sig[:], cryptoutil.Sign(kp.Private, payload[:]))
	qc.Signatures[id] = sig
	if err := VerifyQuorumCertificate(qc, validators, 3); err == nil {
		t.Fatalf("expected unknown-validator signature to be rejected")
	}
}

func TestQuorumCertificateRejectsBelowThreshold(t *testing.T) {
	payload := cryptoutil.HashString("x")
	sigs := make(map[cryptoutil.PublicKeyHex][64]byte)
	kp, _ := cryptoutil.GenerateKeyPair()
	id := cryptoutil.NewPublicKeyHex(kp.Public)
	var sig [64]byte
	copy(sig[:], cryptoutil.Sign(kp.Private, payload[:]))
	sigs[id] = sig

	if _, err := BuildQuorumCertificate("day:1", payload, sigs, 3); err == nil {
		t.Fatalf("expected BuildQuorumCertificate to fail with too few signatures")
	}
}
