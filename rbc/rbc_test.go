package rbc

import (
	"sync"
	"testing"
	"time"

	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/peer"
	"chorus.dev/conductor/types"
)

type testNode struct {
	id     cryptoutil.PublicKeyHex
	engine *Engine
	mu     sync.Mutex
	delivered [][]byte
}

func pump(t *testing.T, ex *peer.LoopbackExchange, n *testNode, inbox <-chan peer.Message, stop <-chan struct{}) {
	t.Helper()
	for {
		select {
		case <-stop:
			return
		case msg := <-inbox:
			switch p := msg.Payload.(type) {
			case types.RBCPropose:
				_ = n.engine.HandlePropose(p)
			case types.Ready:
				_ = n.engine.HandleReady(p)
			}
		}
	}
}

// n=4, f=1, k=2: one proposer, three honest echoers, one silent peer.
// All three honest nodes deliver the original batch bytes.
func TestScenarioRBCWithSilentPeer(t *testing.T) {
	ex := peer.NewLoopbackExchange(64)
	ids := []cryptoutil.PublicKeyHex{"v1", "v2", "v3", "v4"}

	nodes := make(map[cryptoutil.PublicKeyHex]*testNode, 3)
	stop := make(chan struct{})
	defer close(stop)

	// v4 is silent: it never joins the exchange, so it never echoes or
	// readies, but the others can still reach quorum (n=4, f=1 tolerates one).
	for _, id := range ids[:3] {
		id := id
		n := &testNode{id: id}
		var dm DeliverFunc = func(batchID [32]byte, epoch uint64, proposer cryptoutil.PublicKeyHex, data []byte) {
			n.mu.Lock()
			n.delivered = append(n.delivered, data)
			n.mu.Unlock()
		}
		eng, err := NewEngine(id, ex, 4, 1, dm)
		if err != nil {
			t.Fatalf("NewEngine(%s): %v", id, err)
		}
		n.engine = eng
		nodes[id] = n
		inbox := ex.Join(id)
		go pump(t, ex, n, inbox, stop)
	}

	proposer := nodes["v1"]
	batch := []byte("the quick brown fox jumps over the lazy dog, repeated for padding")
	if _, err := proposer.engine.Propose(1, batch); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		allDelivered := true
		for _, n := range nodes {
			n.mu.Lock()
			if len(n.delivered) == 0 {
				allDelivered = false
			}
			n.mu.Unlock()
		}
		if allDelivered {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for all honest nodes to deliver")
		case <-time.After(10 * time.Millisecond):
		}
	}

	for id, n := range nodes {
		n.mu.Lock()
		if string(n.delivered[0]) != string(batch) {
			t.Fatalf("node %s delivered wrong bytes", id)
		}
		n.mu.Unlock()
	}
}

func TestRejectsInvalidKN(t *testing.T) {
	ex := peer.NewLoopbackExchange(8)
	if _, err := NewEngine("v1", ex, 4, 2, nil); err == nil {
		t.Fatalf("expected k<=0 (n=4,f=2) to be rejected")
	}
}

func TestDuplicateFragmentsAreIdempotent(t *testing.T) {
	ex := peer.NewLoopbackExchange(8)
	var delivered int
	eng, err := NewEngine("v1", ex, 4, 1, func([32]byte, uint64, cryptoutil.PublicKeyHex, []byte) {
		delivered++
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	payload := []byte("hello world, this is a test batch payload")
	batchID, err := eng.Propose(1, payload)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	first := eng.State(batchID)
	if first == Unseen {
		t.Fatalf("expected state to have advanced past Unseen")
	}
	// Proposing the same batch again hands the engine identical fragments;
	// they must be a no-op.
	if _, err := eng.Propose(1, payload); err != nil {
		t.Fatalf("Propose (duplicate): %v", err)
	}
	if eng.State(batchID) != first {
		t.Fatalf("expected duplicate fragments to leave the state unchanged")
	}
	if delivered != 0 {
		t.Fatalf("expected duplicate fragments not to trigger a delivery, got %d", delivered)
	}
}
