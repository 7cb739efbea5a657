package peer

import (
	"sync"

	"chorus.dev/conductor/cryptoutil"
)

// DefaultInboxCapacity bounds each peer's inbound queue.
const DefaultInboxCapacity = 256

// LoopbackExchange is an in-memory, in-process Exchange: every joined
// validator gets a buffered channel, and Broadcast/Send fan messages out
// directly, no network round trip.
type LoopbackExchange struct {
	mu       sync.Mutex
	capacity int
	inboxes  map[cryptoutil.PublicKeyHex]chan Message
}

// NewLoopbackExchange constructs a LoopbackExchange with the given
// per-peer inbox capacity (DefaultInboxCapacity if capacity <= 0).
func NewLoopbackExchange(capacity int) *LoopbackExchange {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &LoopbackExchange{
		capacity: capacity,
		inboxes:  make(map[cryptoutil.PublicKeyHex]chan Message),
	}
}

func (l *LoopbackExchange) Join(id cryptoutil.PublicKeyHex) <-chan Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.inboxes[id]; ok {
		return ch
	}
	ch := make(chan Message, l.capacity)
	l.inboxes[id] = ch
	return ch
}

func (l *LoopbackExchange) Leave(id cryptoutil.PublicKeyHex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.inboxes[id]; ok {
		close(ch)
		delete(l.inboxes, id)
	}
}

func (l *LoopbackExchange) Peers() []cryptoutil.PublicKeyHex {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]cryptoutil.PublicKeyHex, 0, len(l.inboxes))
	for id := range l.inboxes {
		out = append(out, id)
	}
	return out
}

func (l *LoopbackExchange) Broadcast(from cryptoutil.PublicKeyHex, payload any, critical bool) {
	l.mu.Lock()
	targets := make([]chan Message, 0, len(l.inboxes))
	for id, ch := range l.inboxes {
		if id == from {
			continue
		}
		targets = append(targets, ch)
	}
	l.mu.Unlock()

	msg := Message{From: from, Payload: payload, Critical: critical}
	for _, ch := range targets {
		deliver(ch, msg)
	}
}

func (l *LoopbackExchange) Send(from, to cryptoutil.PublicKeyHex, payload any, critical bool) {
	l.mu.Lock()
	ch, ok := l.inboxes[to]
	l.mu.Unlock()
	if !ok {
		return
	}
	deliver(ch, Message{From: from, Payload: payload, Critical: critical})
}

// deliver enqueues msg. If the inbox is full and msg is non-critical, the
// message at the head of the queue is evicted when it is non-critical; a
// critical head is re-queued at the tail instead, and msg is dropped if
// no room was freed. Only the head is examined: a non-critical message
// further back in the queue is not evicted. Critical messages are never
// dropped: if the queue is full, deliver blocks (back-pressuring the
// sender) rather than lose one.
func deliver(ch chan Message, msg Message) {
	select {
	case ch <- msg:
		return
	default:
	}
	if !msg.Critical {
		select {
		case old := <-ch:
			if old.Critical {
				// Put it back; we only evict non-critical messages.
				select {
				case ch <- old:
				default:
				}
			}
		default:
		}
		select {
		case ch <- msg:
		default:
			// No room was freed; drop this non-critical message
			// rather than block.
		}
		return
	}
	// Critical: block until room is available.
	ch <- msg
}
