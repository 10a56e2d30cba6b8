package session

import (
	"sync"

	"github.com/blocknetdx/xbridge-go/xorder"
	"github.com/blocknetdx/xbridge-go/xpacket"
)

type deferredPacket struct {
	orderID xorder.OrderID
	packet  *xpacket.Packet
}

// watcher holds packets whose handler could not complete yet, typically
// because a chain condition (deposit observable, locktime expired,
// secret discoverable) has not been met. The session retries them on its
// tick; handlers are idempotent so re-deferring is safe.
type watcher struct {
	mu    sync.Mutex
	queue []deferredPacket
}

func newWatcher() *watcher {
	return &watcher{}
}

func (w *watcher) processLater(id xorder.OrderID, p *xpacket.Packet) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, deferredPacket{orderID: id, packet: p})
}

// removePackets discards everything queued for a cancelled order, so its
// deferred packets never fire after the cancel.
func (w *watcher) removePackets(id xorder.OrderID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.queue[:0]
	for _, d := range w.queue {
		if d.orderID != id {
			kept = append(kept, d)
		}
	}
	w.queue = kept
}

// takeAll drains the queue. Handlers re-defer what is still not ready, so
// draining first keeps one tick from looping forever.
func (w *watcher) takeAll() []deferredPacket {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.queue
	w.queue = nil
	return out
}

func (w *watcher) pendingFor(id xorder.OrderID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, d := range w.queue {
		if d.orderID == id {
			n++
		}
	}
	return n
}
