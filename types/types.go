// Package types holds the wire-level data model shared by the peer
// exchange, RBC, epoch consensus, day-proof, and validator-lifecycle
// packages.
package types

import (
	"encoding/json"
	"fmt"

	"chorus.dev/conductor/cryptoutil"
)

// EventKind is the closed tagged union of application event variants.
// Decoders reject unknown variants instead of silently accepting them.
type EventKind string

const (
	EventPostAnnounce    EventKind = "post_announce"
	EventModeration      EventKind = "moderation"
	EventRegistration    EventKind = "registration"
	EventMembershipChange EventKind = "membership_change"
	EventExportNotice    EventKind = "export_notice"
)

// KnownEventKinds is used by decoders to reject unrecognized variants.
var KnownEventKinds = map[EventKind]struct{}{
	EventPostAnnounce:     {},
	EventModeration:       {},
	EventRegistration:     {},
	EventMembershipChange: {},
	EventExportNotice:     {},
}

// UnmarshalJSON decodes an EventKind, rejecting any value outside
// KnownEventKinds.
func (k *EventKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if _, ok := KnownEventKinds[EventKind(s)]; !ok {
		return fmt.Errorf("types: unknown event kind %q", s)
	}
	*k = EventKind(s)
	return nil
}

// Event is an application event envelope. Only the envelope fields matter
// for consensus; Payload is opaque hashable data.
type Event struct {
	Kind        EventKind
	CreationDay uint32
	Signer      cryptoutil.PublicKeyHex
	Signature   [64]byte
	Payload     []byte
}

// EventBatch is an ordered sequence of envelopes proposed by a single
// validator for a single epoch.
type EventBatch struct {
	Epoch     uint64
	Proposer  cryptoutil.PublicKeyHex
	Events    []Event
}

// DayProof is the per-day VDF proof, Ed25519-signed by its producer, with
// an optional quorum certificate once canonicalized.
type DayProof struct {
	Day           uint32
	Proof         [32]byte
	ValidatorID   cryptoutil.PublicKeyHex
	Signature     [64]byte
	QuorumCert    *QuorumCertWire
}

// QuorumCertWire is the wire-serializable form of a quorum certificate.
// threshold.QuorumCertificate uses a map keyed by PublicKeyHex directly;
// this form sorts signatures so the encoding is byte-deterministic.
type QuorumCertWire struct {
	Context     string
	PayloadHash [32]byte
	Signatures  []QuorumSig
}

// QuorumSig is one (validator, signature) pair inside a QuorumCertWire.
type QuorumSig struct {
	Validator cryptoutil.PublicKeyHex
	Signature [64]byte
}

// MembershipUpdateKind distinguishes an addition from a removal.
type MembershipUpdateKind string

const (
	MembershipAdd    MembershipUpdateKind = "add"
	MembershipRemove MembershipUpdateKind = "remove"
)

// MembershipChange is a committed validator-set mutation, gated by a
// quorum certificate and effective at the start of EffectiveDay.
type MembershipChange struct {
	Kind          MembershipUpdateKind
	ValidatorID   cryptoutil.PublicKeyHex
	EffectiveDay  uint32
}

// Block is a committed epoch block.
type Block struct {
	Epoch             uint64
	BlockDigest       [32]byte
	OrderedProposals  []cryptoutil.PublicKeyHex // proposer ids in commit order
	OrderedPayloads   [][32]byte                // payload hashes, same order
	CoinValue         byte
	QuorumCert        QuorumCertWire
}
