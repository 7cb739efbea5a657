// Package rbc implements Reliable Broadcast: erasure-coded dissemination
// of a proposer's batch with Merkle-verified fragments, driven by a
// Bracha-style echo/ready/deliver state machine per batch_id.
package rbc

import (
	"sync"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/erasure"
	"chorus.dev/conductor/merkle"
	"chorus.dev/conductor/peer"
	"chorus.dev/conductor/types"
)

// State is a batch_id's position in the RBC state machine.
// The only permitted transitions are forward; Delivered is terminal.
type State int

const (
	Unseen State = iota
	Echoing
	ReadySent
	Delivered
)

type batchRecord struct {
	propose     types.RBCPropose
	haveRoot    bool
	readyVoters map[cryptoutil.PublicKeyHex]struct{}
	state       State
	data        []byte
}

// DeliverFunc is invoked exactly once per batch_id, the moment it
// transitions to Delivered.
type DeliverFunc func(batchID [32]byte, epoch uint64, proposer cryptoutil.PublicKeyHex, data []byte)

// Engine runs the RBC state machine for one validator across all
// in-flight batch_ids. n and f are the validator-set size and the
// Byzantine fault bound; k = n - 2f is the reconstruction threshold.
// Initialization with k <= 0 is rejected.
type Engine struct {
	self cryptoutil.PublicKeyHex
	ex   peer.Exchange
	n, f, k int

	onDeliver DeliverFunc

	mu      sync.Mutex
	batches map[[32]byte]*batchRecord
}

// NewEngine constructs an Engine for a validator set of size n tolerating
// up to f Byzantine members.
func NewEngine(self cryptoutil.PublicKeyHex, ex peer.Exchange, n, f int, onDeliver DeliverFunc) (*Engine, error) {
	k := n - 2*f
	if k <= 0 {
		return nil, cerr.Newf(cerr.Configuration, "rbc: k=%d (n=%d, f=%d) must be > 0", k, n, f)
	}
	return &Engine{
		self: self, ex: ex, n: n, f: f, k: k,
		onDeliver: onDeliver,
		batches:   make(map[[32]byte]*batchRecord),
	}, nil
}

// Propose erasure-encodes payload into n fragments, builds a Merkle tree
// over them, and broadcasts the resulting RBCPropose to every peer,
// including locally processing it (the proposer runs the same state
// machine as every other validator).
func (e *Engine) Propose(epoch uint64, payload []byte) ([32]byte, error) {
	batchID := cryptoutil.Hash(payload)
	fragments, err := erasure.Encode(payload, e.k, e.n)
	if err != nil {
		return batchID, err
	}
	tree, err := merkle.New(fragments)
	if err != nil {
		return batchID, err
	}
	msg := types.RBCPropose{
		Epoch:       epoch,
		ProposerID:  e.self,
		PayloadHash: batchID,
		Fragments:   fragments,
		MerkleRoot:  tree.Root(),
		K:           e.k,
		N:           e.n,
		OrigLen:     len(payload),
	}
	e.ex.Broadcast(e.self, msg, false)
	if err := e.HandlePropose(msg); err != nil {
		return batchID, err
	}
	return batchID, nil
}

// HandlePropose processes a received RBCPropose: verifies every fragment
// against the advertised Merkle root, then (once ≥k verified fragments
// are held) transitions unseen→echoing and broadcasts this validator's
// READY vote.
func (e *Engine) HandlePropose(msg types.RBCPropose) error {
	if len(msg.Fragments) != msg.N || msg.K != e.k || msg.N != e.n {
		return nil // malformed/mismatched propose; drop silently
	}
	tree, err := merkle.New(msg.Fragments)
	if err != nil {
		return nil
	}
	if tree.Root() != msg.MerkleRoot {
		return nil // Merkle root mismatch: Byzantine proposer, drop silently
	}
	verified := 0
	for i := range msg.Fragments {
		p, err := tree.Proof(i)
		if err != nil {
			continue
		}
		if merkle.VerifyProof(msg.Fragments[i], p, msg.MerkleRoot) {
			verified++
		}
	}
	if verified < e.k {
		return nil
	}

	e.mu.Lock()
	rec, ok := e.batches[msg.PayloadHash]
	if !ok {
		rec = &batchRecord{readyVoters: make(map[cryptoutil.PublicKeyHex]struct{})}
		e.batches[msg.PayloadHash] = rec
	}
	if rec.state != Unseen {
		e.mu.Unlock()
		return nil // idempotent: already echoing/ready/delivered
	}
	rec.propose = msg
	rec.haveRoot = true
	rec.state = Echoing
	e.mu.Unlock()

	e.ex.Broadcast(e.self, types.Ready{BatchID: msg.PayloadHash, MerkleRoot: msg.MerkleRoot, Voter: e.self}, false)
	return e.HandleReady(types.Ready{BatchID: msg.PayloadHash, MerkleRoot: msg.MerkleRoot, Voter: e.self})
}

// HandleReady processes a READY vote, amplifying on f+1 matching votes
// and delivering the batch on 2f+1 matching votes plus ≥k locally-held
// fragments.
func (e *Engine) HandleReady(msg types.Ready) error {
	e.mu.Lock()
	rec, ok := e.batches[msg.BatchID]
	if !ok {
		rec = &batchRecord{readyVoters: make(map[cryptoutil.PublicKeyHex]struct{})}
		e.batches[msg.BatchID] = rec
	}
	if rec.state == Delivered {
		e.mu.Unlock()
		return nil // terminal; duplicate votes are no-ops
	}
	rec.readyVoters[msg.Voter] = struct{}{}
	votes := len(rec.readyVoters)

	amplify := rec.state == Echoing && votes >= e.f+1
	if amplify {
		rec.state = ReadySent
		rec.readyVoters[e.self] = struct{}{}
		votes = len(rec.readyVoters)
	}

	deliverNow := rec.haveRoot && rec.state != Delivered && votes >= 2*e.f+1
	var propose types.RBCPropose
	if deliverNow {
		propose = rec.propose
	}
	e.mu.Unlock()

	if amplify {
		e.ex.Broadcast(e.self, types.Ready{BatchID: msg.BatchID, MerkleRoot: msg.MerkleRoot, Voter: e.self}, false)
	}
	if !deliverNow {
		return nil
	}

	data, err := erasure.Reconstruct(propose.Fragments, propose.K, propose.N, propose.OrigLen)
	if err != nil {
		return nil // insufficient/corrupt fragments; wait for more READYs/re-requests
	}
	if cryptoutil.Hash(data) != propose.PayloadHash {
		return nil // reconstruction mismatch: drop silently, never deliver
	}

	e.mu.Lock()
	rec2 := e.batches[msg.BatchID]
	if rec2.state == Delivered {
		e.mu.Unlock()
		return nil
	}
	rec2.state = Delivered
	rec2.data = data
	e.mu.Unlock()

	if e.onDeliver != nil {
		e.onDeliver(msg.BatchID, propose.Epoch, propose.ProposerID, data)
	}
	return nil
}

// State reports the current state of batch_id, or Unseen if unknown.
func (e *Engine) State(batchID [32]byte) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.batches[batchID]; ok {
		return rec.state
	}
	return Unseen
}

// Delivered returns the reconstructed bytes for batchID, if delivered.
func (e *Engine) Delivered(batchID [32]byte) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.batches[batchID]
	if !ok || rec.state != Delivered {
		return nil, false
	}
	return rec.data, true
}
