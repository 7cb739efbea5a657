package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chorus.dev/conductor/coin"
	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/peer"
	"chorus.dev/conductor/types"
)

type testValidator struct {
	id cryptoutil.PublicKeyHex
	kp cryptoutil.KeyPair
}

func newTestValidators(t *testing.T, n int) []testValidator {
	t.Helper()
	out := make([]testValidator, n)
	for i := range out {
		kp, err := cryptoutil.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		out[i] = testValidator{id: cryptoutil.NewPublicKeyHex(kp.Public), kp: kp}
	}
	return out
}

func validatorSet(vs []testValidator) map[cryptoutil.PublicKeyHex]struct{} {
	set := make(map[cryptoutil.PublicKeyHex]struct{}, len(vs))
	for _, v := range vs {
		set[v.id] = struct{}{}
	}
	return set
}

func newTestNode(t *testing.T, self testValidator, set map[cryptoutil.PublicKeyHex]struct{}, ex peer.Exchange) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StoragePath = filepath.Join(t.TempDir(), self.id.String())
	cfg.VdfIterations = 8
	cfg.KeypairPath = filepath.Join(cfg.StoragePath, "validator.keystore")

	n, err := NewNode(context.Background(), cfg, self.kp, set, ex, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestSubmitEventBatchRejectsEmpty(t *testing.T) {
	vs := newTestValidators(t, 4)
	set := validatorSet(vs)
	ex := peer.NewLoopbackExchange(8)
	n := newTestNode(t, vs[0], set, ex)

	_, status, err := n.SubmitEventBatch(1, nil)
	if err == nil {
		t.Fatalf("expected an error for an empty batch")
	}
	ie, ok := err.(*IngressError)
	if !ok || ie.Status != "precondition-failed" {
		t.Fatalf("expected a precondition-failed IngressError, got %v", err)
	}
	if status != "rejected" {
		t.Fatalf("expected status rejected, got %q", status)
	}
}

func TestGetDayProofAndBlockNotFound(t *testing.T) {
	vs := newTestValidators(t, 4)
	set := validatorSet(vs)
	ex := peer.NewLoopbackExchange(8)
	n := newTestNode(t, vs[0], set, ex)

	if _, err := n.GetDayProof(5); err == nil {
		t.Fatalf("expected not-found for a day with no proof")
	} else if ie := err.(*IngressError); ie.Status != "not-found" {
		t.Fatalf("expected not-found, got %q", ie.Status)
	}

	if _, err := n.GetBlock(5); err == nil {
		t.Fatalf("expected not-found for an uncommitted epoch")
	} else if ie := err.(*IngressError); ie.Status != "not-found" {
		t.Fatalf("expected not-found, got %q", ie.Status)
	}

	if _, err := n.GetConsensusStatus([32]byte{0xAA}); err == nil {
		t.Fatalf("expected not-found for an unknown batch id")
	}
}

// TestRunEpochLoopProposesCommit brings one node's batch through RBC
// delivery and reconstruction, then verifies RunEpochLoop originates a
// commit vote on its own, with no manual ProposeCommit call.
func TestRunEpochLoopProposesCommit(t *testing.T) {
	vs := newTestValidators(t, 4)
	set := validatorSet(vs)
	ex := peer.NewLoopbackExchange(64)
	n := newTestNode(t, vs[0], set, ex)

	const epochNum = uint64(2)
	events := []types.Event{{Kind: types.EventRegistration, CreationDay: 0, Signer: vs[0].id}}
	batchID, _, err := n.SubmitEventBatch(epochNum, events)
	if err != nil {
		t.Fatalf("SubmitEventBatch: %v", err)
	}
	for _, v := range []testValidator{vs[1], vs[2]} {
		if err := n.dispatch(peer.Message{From: v.id, Payload: types.Ready{BatchID: batchID, Voter: v.id}}); err != nil {
			t.Fatalf("dispatch Ready: %v", err)
		}
	}
	for _, v := range []testValidator{vs[1], vs[2]} {
		share := types.EncShare{Epoch: epochNum, ProposerID: vs[0].id, PayloadHash: batchID}
		if err := n.dispatch(peer.Message{From: v.id, Payload: share}); err != nil {
			t.Fatalf("dispatch EncShare: %v", err)
		}
	}
	if !n.epochE.IsRBCComplete(epochNum, vs[0].id) {
		t.Fatalf("expected the batch to be RBC-complete and reconstructed")
	}

	observer := ex.Join(vs[3].id)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.RunEpochLoop(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-observer:
			if vote, ok := msg.Payload.(types.CommitVote); ok {
				if vote.Epoch != epochNum || vote.Voter != vs[0].id {
					t.Fatalf("unexpected commit vote %+v", vote)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for RunEpochLoop to originate a commit vote")
		}
	}
}

// TestIngressReflectsEpochCommit drives one node's own batch through RBC
// delivery, reconstruction, the common coin, and commit-vote quorum by
// feeding the other three validators' side of the protocol straight
// through Node.dispatch (the same inbound path real gossip takes), and
// confirms the ingress surface reflects the resulting commit. Ready and
// EncShare messages carry no signature, so the other
// validators' contributions are fabricated directly; CoinShare and
// CommitVote do carry signatures, so those are signed with the other
// validators' real keys.
func TestIngressReflectsEpochCommit(t *testing.T) {
	vs := newTestValidators(t, 4)
	set := validatorSet(vs)
	ex := peer.NewLoopbackExchange(64)
	n := newTestNode(t, vs[0], set, ex)

	const epochNum = uint64(3)
	events := []types.Event{{Kind: types.EventPostAnnounce, CreationDay: 0, Signer: vs[0].id}}
	batchID, status, err := n.SubmitEventBatch(epochNum, events)
	if err != nil {
		t.Fatalf("SubmitEventBatch: %v", err)
	}
	if status != "pending" {
		t.Fatalf("expected pending, got %q", status)
	}

	// Two more READY votes (on top of this node's own) cross 2f+1=3 and
	// deliver the batch via RBC.
	for _, v := range []testValidator{vs[1], vs[2]} {
		if err := n.dispatch(peer.Message{From: v.id, Payload: types.Ready{BatchID: batchID, Voter: v.id}}); err != nil {
			t.Fatalf("dispatch Ready: %v", err)
		}
	}

	// Two more EncShare attestations cross t=3 and mark the batch
	// reconstructed.
	for _, v := range []testValidator{vs[1], vs[2]} {
		share := types.EncShare{Epoch: epochNum, ProposerID: vs[0].id, PayloadHash: batchID}
		if err := n.dispatch(peer.Message{From: v.id, Payload: share}); err != nil {
			t.Fatalf("dispatch EncShare: %v", err)
		}
	}
	if !n.epochE.IsRBCComplete(epochNum, vs[0].id) {
		t.Fatalf("expected the batch to be RBC-complete and reconstructed")
	}

	// This node's own coin share, plus two more signed shares, derive a
	// coin value for the epoch.
	if err := n.epochE.BroadcastCoinShare(epochNum); err != nil {
		t.Fatalf("BroadcastCoinShare: %v", err)
	}
	day := uint32(epochNum)
	coinMsg := coin.Message(day, 0)
	for _, v := range []testValidator{vs[1], vs[2]} {
		sig := cryptoutil.Sign(v.kp.Private, coinMsg)
		var sigArr [64]byte
		copy(sigArr[:], sig)
		share := types.CoinShare{Day: day, Round: 0, Voter: v.id, SigShare: sigArr}
		if err := n.dispatch(peer.Message{From: v.id, Payload: share}); err != nil {
			t.Fatalf("dispatch CoinShare: %v", err)
		}
	}

	// A passive observer joined to the exchange captures the CommitVote
	// this node broadcasts, so two matching votes can be fabricated for
	// the same block digest.
	observer := ex.Join(vs[3].id)
	if err := n.epochE.ProposeCommit(epochNum); err != nil {
		t.Fatalf("ProposeCommit: %v", err)
	}
	var digest [32]byte
	select {
	case msg := <-observer:
		vote, ok := msg.Payload.(types.CommitVote)
		if !ok {
			t.Fatalf("expected a CommitVote broadcast, got %T", msg.Payload)
		}
		digest = vote.BlockDigest
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for ProposeCommit's broadcast vote")
	}

	for _, v := range []testValidator{vs[1], vs[2]} {
		sig := cryptoutil.Sign(v.kp.Private, digest[:])
		var sigArr [64]byte
		copy(sigArr[:], sig)
		vote := types.CommitVote{Epoch: epochNum, BlockDigest: digest, Voter: v.id, Sig: sigArr}
		if err := n.dispatch(peer.Message{From: v.id, Payload: vote}); err != nil {
			t.Fatalf("dispatch CommitVote: %v", err)
		}
	}

	gotStatus, err := n.GetConsensusStatus(batchID)
	if err != nil {
		t.Fatalf("GetConsensusStatus: %v", err)
	}
	if gotStatus != "committed" {
		t.Fatalf("expected committed, got %q", gotStatus)
	}

	block, err := n.GetBlock(epochNum)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if block.BlockDigest != digest {
		t.Fatalf("expected the committed block's digest to match the quorum-certified vote")
	}
}
