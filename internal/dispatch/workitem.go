package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/danmuck/taskd/internal/protocol"
)

var ErrNoReply = errors.New("dispatch: responder dropped without reply")

// Reply is the receiving half of a Responder.
type Reply <-chan protocol.ProtocolMessage

// Responder is the single-use sending half of a reply handoff. The channel
// has capacity one so Respond never blocks, and a reply nobody waits for is
// simply garbage collected.
type Responder struct {
	ch   chan protocol.ProtocolMessage
	used atomic.Bool
}

func NewResponder() (*Responder, Reply) {
	ch := make(chan protocol.ProtocolMessage, 1)
	return &Responder{ch: ch}, ch
}

// Respond delivers msg. Calling Respond or Drop a second time panics.
func (r *Responder) Respond(msg protocol.ProtocolMessage) {
	if r.used.Swap(true) {
		panic("dispatch: responder used twice")
	}
	r.ch <- msg
	close(r.ch)
}

// Drop closes the handoff without a reply.
func (r *Responder) Drop() {
	if r.used.Swap(true) {
		panic("dispatch: responder used twice")
	}
	close(r.ch)
}

// Await blocks until the reply arrives, the responder is dropped, or ctx ends.
func (r Reply) Await(ctx context.Context) (protocol.ProtocolMessage, error) {
	select {
	case msg, ok := <-r:
		if !ok {
			return protocol.ProtocolMessage{}, ErrNoReply
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.ProtocolMessage{}, ctx.Err()
	}
}

// WorkItem pairs one hashing task with the responder that must be fulfilled
// exactly once. It is created by a connection handler and consumed by one worker.
type WorkItem struct {
	Packet     protocol.HashingPacket
	ConnID     string
	EnqueuedAt time.Time

	responder *Responder
}

func NewWorkItem(packet protocol.HashingPacket, responder *Responder) WorkItem {
	return WorkItem{Packet: packet, EnqueuedAt: time.Now(), responder: responder}
}
