package types

import "chorus.dev/conductor/cryptoutil"

// Peer protocol messages. All are
// serialized in a canonical, byte-deterministic form by their producing
// package (rbc/coin/epoch/dayproof/validator) so that signatures and
// hashes are reproducible across implementations.

// RBCPropose is the propose message that kicks off Reliable Broadcast for
// one proposer's event batch in one epoch.
type RBCPropose struct {
	Epoch       uint64
	ProposerID  cryptoutil.PublicKeyHex
	PayloadHash [32]byte // doubles as the RBC batch_id: H(serialized batch)
	Fragments   [][]byte // erasure-coded shards, index == slice position
	MerkleRoot  [32]byte
	K, N        int
	OrigLen     int // length of the pre-encoding payload, needed to reconstruct
}

// EncShare is one validator's share of a (simulated) threshold-encrypted
// batch payload. Payload reconstruction requires at least t matching
// EncShare messages referencing the same payload_hash.
type EncShare struct {
	Epoch        uint64
	ProposerID   cryptoutil.PublicKeyHex
	ChunkIndex   uint16
	EncPayload   []byte
	PayloadHash  [32]byte
}

// Ready is an RBC READY vote for a batch_id/root pair.
type Ready struct {
	BatchID    [32]byte
	MerkleRoot [32]byte
	Voter      cryptoutil.PublicKeyHex
}

// CoinShare is a validator's threshold-signature share over
// "COIN_<day>_<round>".
type CoinShare struct {
	Day      uint32
	Round    uint32
	Voter    cryptoutil.PublicKeyHex
	SigShare [64]byte
}

// Commit announces a proposed block commit for an epoch, carrying the
// certifying quorum certificate.
type Commit struct {
	Epoch       uint64
	BlockDigest [32]byte
	QuorumCert  QuorumCertWire
}

// CommitVote is one validator's signature over a candidate block digest,
// gossiped so that ≥2f+1 of them can be assembled into the quorum
// certificate a Commit carries.
type CommitVote struct {
	Epoch       uint64
	BlockDigest [32]byte
	Voter       cryptoutil.PublicKeyHex
	Sig         [64]byte
}

// VdfCompletionTime advertises how long a validator's day-proof
// computation took, feeding the difficulty-adjustment median.
type VdfCompletionTime struct {
	Day       uint32
	Validator cryptoutil.PublicKeyHex
	Seconds   float64
}

// MembershipChangeMessage carries a committed MembershipChange together
// with the quorum certificate that authorizes it.
type MembershipChangeMessage struct {
	Epoch      uint64
	Update     MembershipChange
	QuorumCert QuorumCertWire
}

// BlacklistVote is one validator's vote to blacklist target.
type BlacklistVote struct {
	Epoch    uint64
	VoterID  cryptoutil.PublicKeyHex
	TargetID cryptoutil.PublicKeyHex
	Reason   string
	Sig      [64]byte
}
