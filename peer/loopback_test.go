package peer

import (
	"testing"
	"time"

	"chorus.dev/conductor/cryptoutil"
)

func id(n byte) cryptoutil.PublicKeyHex {
	return cryptoutil.PublicKeyHex([]byte{'v', n})
}

func TestBroadcastExcludesSender(t *testing.T) {
	ex := NewLoopbackExchange(8)
	a := ex.Join(id(1))
	b := ex.Join(id(2))

	ex.Broadcast(id(1), "hello", false)

	select {
	case msg := <-b:
		if msg.Payload != "hello" {
			t.Fatalf("unexpected payload: %v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected peer 2 to receive broadcast")
	}

	select {
	case msg := <-a:
		t.Fatalf("sender should not receive its own broadcast, got %v", msg)
	default:
	}
}

func TestSendDeliversToOneTarget(t *testing.T) {
	ex := NewLoopbackExchange(8)
	_ = ex.Join(id(1))
	b := ex.Join(id(2))
	c := ex.Join(id(3))

	ex.Send(id(1), id(2), "direct", true)

	select {
	case msg := <-b:
		if msg.Payload != "direct" {
			t.Fatalf("unexpected payload: %v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected peer 2 to receive send")
	}
	select {
	case msg := <-c:
		t.Fatalf("peer 3 should not receive unicast send, got %v", msg)
	default:
	}
}

func TestBackpressureDropsOldestNonCritical(t *testing.T) {
	ex := NewLoopbackExchange(2)
	_ = ex.Join(id(1))
	rx := ex.Join(id(2))

	ex.Send(id(1), id(2), "msg1", false)
	ex.Send(id(1), id(2), "msg2", false)
	ex.Send(id(1), id(2), "msg3", false) // should evict msg1

	var got []any
	drain := func() {
		for {
			select {
			case m := <-rx:
				got = append(got, m.Payload)
			default:
				return
			}
		}
	}
	drain()
	if len(got) != 2 {
		t.Fatalf("expected 2 surviving messages, got %d: %v", len(got), got)
	}
	for _, g := range got {
		if g == "msg1" {
			t.Fatalf("expected oldest non-critical message to be dropped, found msg1 in %v", got)
		}
	}
}

func TestLeaveClosesInbox(t *testing.T) {
	ex := NewLoopbackExchange(4)
	ch := ex.Join(id(1))
	ex.Leave(id(1))
	_, ok := <-ch
	if ok {
		t.Fatalf("expected inbox channel to be closed after Leave")
	}
}
