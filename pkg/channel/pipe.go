package channel

import (
	"fmt"
	"sync"

	"github.com/bastionmp/bastion/pkg/protocol"
)

// pipeTransport is the in-process transport half. Frames still pass through
// Encode/Decode so pipe-connected peers exercise the same wire path as
// networked ones.
type pipeTransport struct {
	name   string
	out    chan []byte
	done   chan struct{}
	closeO sync.Once
}

func (t *pipeTransport) WriteMessage(m *protocol.Message) error {
	frame := m.Encode()
	select {
	case t.out <- frame:
		return nil
	case <-t.done:
		return fmt.Errorf("%w: pipe closed", protocol.ErrProtocol)
	}
}

func (t *pipeTransport) Close() error {
	t.closeO.Do(func() { close(t.done) })
	return nil
}

func (t *pipeTransport) RemoteAddr() string {
	return t.name
}

// NewPipe connects two peers in process, one dispatching through each
// router. Used by tests and by same-process module wiring. Closing either
// peer closes both directions.
func NewPipe(routerA, routerB *Router) (*Peer, *Peer) {
	ta := &pipeTransport{name: "pipe:b", out: make(chan []byte, 64), done: make(chan struct{})}
	tb := &pipeTransport{name: "pipe:a", out: make(chan []byte, 64), done: make(chan struct{})}

	peerA := NewPeer(ta, routerA)
	peerB := NewPeer(tb, routerB)

	pump := func(from *pipeTransport, to *Peer) {
		for {
			select {
			case frame := <-from.out:
				m, err := protocol.DecodeMessage(frame)
				if err != nil {
					// Both halves share one encoder; a decode failure here
					// is a framing bug, not a peer misbehaving.
					to.Close()
					return
				}
				to.Deliver(m)
			case <-from.done:
				to.Close()
				return
			}
		}
	}
	go pump(ta, peerB)
	go pump(tb, peerA)

	return peerA, peerB
}
