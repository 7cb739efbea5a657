// Package peer defines the abstract contract between the validator core
// and its transport layer. The inbound queue per peer is bounded; on
// overflow a non-critical message is dropped, never a critical one.
//
// LoopbackExchange is the in-memory reference implementation, suitable
// for tests and single-process multi-validator simulation.
package peer

import "chorus.dev/conductor/cryptoutil"

// Message is one envelope delivered to a validator's inbox. Payload is one
// of the types.* wire message structs (DayProof, VdfCompletionTime,
// RBCPropose, EncShare, Ready, CoinShare, Commit, BlacklistVote,
// MembershipChangeMessage); callers type-switch on it.
type Message struct {
	From     cryptoutil.PublicKeyHex
	Payload  any
	Critical bool
}

// Exchange is the transport contract the core depends on: join the
// network to receive an inbox, and broadcast messages to every other
// joined peer. Delivery is best-effort, may reorder, and may duplicate;
// the core is built to tolerate all three.
type Exchange interface {
	// Join registers validator id and returns its inbound channel. Calling
	// Join again with the same id returns the existing inbox.
	Join(id cryptoutil.PublicKeyHex) <-chan Message

	// Leave unregisters a validator, closing its inbox.
	Leave(id cryptoutil.PublicKeyHex)

	// Broadcast fans payload out to every joined peer except from.
	// Critical messages (commits) are never dropped under backpressure;
	// non-critical ones (e.g. fragment re-requests) may be.
	Broadcast(from cryptoutil.PublicKeyHex, payload any, critical bool)

	// Send delivers payload to exactly one peer, subject to the same
	// backpressure rule as Broadcast.
	Send(from, to cryptoutil.PublicKeyHex, payload any, critical bool)

	// Peers lists every currently joined validator id.
	Peers() []cryptoutil.PublicKeyHex
}
