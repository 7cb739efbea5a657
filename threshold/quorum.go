package threshold

import (
	"bytes"
	"sort"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
)

// SignatureShare is one validator's Ed25519 signature over a threshold
// message, tagged with its share index and public key.
type SignatureShare struct {
	Index     uint16
	Validator cryptoutil.PublicKeyHex
	Signature [64]byte
}

// AggregatedSignature is the naive "concatenation of (index, signature)
// tuples" aggregation, canonicalized by sorting on index so aggregation
// is order-independent (the Common Coin depends on that).
type AggregatedSignature struct {
	Shares []SignatureShare
}

// Aggregate canonicalizes shares by ascending index and wraps them.
func Aggregate(shares []SignatureShare) AggregatedSignature {
	out := make([]SignatureShare, len(shares))
	copy(out, shares)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return AggregatedSignature{Shares: out}
}

// VerifyAggregated reports whether the aggregate contains at least t
// component signatures that verify against msg under their claimed
// validator's public key, per distinct validator.
func VerifyAggregated(agg AggregatedSignature, msg []byte, t int) bool {
	verified := 0
	seen := make(map[cryptoutil.PublicKeyHex]struct{}, len(agg.Shares))
	for _, s := range agg.Shares {
		if _, dup := seen[s.Validator]; dup {
			continue
		}
		pub, err := s.Validator.Bytes()
		if err != nil {
			continue
		}
		if cryptoutil.Verify(pub, msg, s.Signature[:]) {
			seen[s.Validator] = struct{}{}
			verified++
		}
	}
	return verified >= t
}

// QuorumCertificate binds a supermajority of validators to an exact
// payload.
type QuorumCertificate struct {
	Context     string // e.g. "day:<n>" or "epoch:<n>"
	PayloadHash [32]byte
	Signatures  map[cryptoutil.PublicKeyHex][64]byte
}

// BuildQuorumCertificate collects signature shares over payloadHash from
// distinct validators until at least t are present, returning an error if
// fewer than t are supplied.
func BuildQuorumCertificate(ctxLabel string, payloadHash [32]byte, sigs map[cryptoutil.PublicKeyHex][64]byte, t int) (QuorumCertificate, error) {
	if len(sigs) < t {
		return QuorumCertificate{}, cerr.New(cerr.InsufficientValidators, "quorum cert: fewer than t signatures")
	}
	cp := make(map[cryptoutil.PublicKeyHex][64]byte, len(sigs))
	for k, v := range sigs {
		cp[k] = v
	}
	return QuorumCertificate{Context: ctxLabel, PayloadHash: payloadHash, Signatures: cp}, nil
}

// VerifyQuorumCertificate rejects certificates with fewer than t
// signatures, any signature from a validator outside knownValidators, or
// any signature that fails to verify over qc.PayloadHash.
func VerifyQuorumCertificate(qc QuorumCertificate, knownValidators map[cryptoutil.PublicKeyHex]struct{}, t int) error {
	if len(qc.Signatures) < t {
		return cerr.New(cerr.InvalidQuorumCert, "quorum cert: fewer than t signatures")
	}
	msg := qc.PayloadHash[:]
	verified := 0
	for validator, sig := range qc.Signatures {
		if knownValidators != nil {
			if _, ok := knownValidators[validator]; !ok {
				return cerr.Newf(cerr.InvalidQuorumCert, "quorum cert: unknown validator %s", validator)
			}
		}
		pub, err := validator.Bytes()
		if err != nil {
			return cerr.Wrap(cerr.InvalidQuorumCert, "quorum cert: malformed validator key", err)
		}
		if !cryptoutil.Verify(pub, msg, sig[:]) {
			return cerr.Newf(cerr.InvalidQuorumCert, "quorum cert: invalid signature from %s", validator)
		}
		verified++
	}
	if verified < t {
		return cerr.New(cerr.InvalidQuorumCert, "quorum cert: fewer than t signatures verified")
	}
	return nil
}

// BytesEqual is a small helper used by callers comparing raw payload bytes
// (kept here so callers don't need a direct "bytes" import just for this).
func BytesEqual(a, b []byte) bool { return bytes.Equal(a, b) }
