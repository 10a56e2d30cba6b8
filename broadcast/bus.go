/*
Package broadcast is the packet delivery substrate. Frames travel either
to everyone (broadcast) or to the peer holding a specific 20-byte session
id. The in-memory Bus serves tests and single-process demos; NatsSender
puts the same framing on a NATS subject.
*/
package broadcast

import (
	"sync"

	"github.com/blocknetdx/xbridge-go/xpacket"
)

// DestSize is the unicast destination prefix length (one session id).
const DestSize = 20

// Handler consumes one delivered frame. dest is all zeroes for broadcast.
type Handler func(dest []byte, raw []byte)

// Sender is what the session layer uses to emit packets.
type Sender interface {
	SendPacket(dest []byte, p *xpacket.Packet) error
}

type queued struct {
	dest []byte
	raw  []byte
}

// Bus delivers frames synchronously to every subscriber. Reentrant sends
// from inside a handler are queued and drained in order, so delivery
// order stays deterministic.
type Bus struct {
	mu       sync.Mutex
	subs     []Handler
	queue    []queued
	draining bool
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

func (b *Bus) SendPacket(dest []byte, p *xpacket.Packet) error {
	d := make([]byte, DestSize)
	copy(d, dest)

	b.mu.Lock()
	b.queue = append(b.queue, queued{dest: d, raw: p.Encode()})
	if b.draining {
		b.mu.Unlock()
		return nil
	}
	b.draining = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		subs := make([]Handler, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, h := range subs {
			h(next.dest, next.raw)
		}

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
	return nil
}
