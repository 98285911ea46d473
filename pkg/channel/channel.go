package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
)

// Transport moves encoded frames between two endpoints. Implementations must
// allow one concurrent writer per call site; Peer serializes its own writes.
type Transport interface {
	WriteMessage(m *protocol.Message) error
	Close() error
	RemoteAddr() string
}

// Peer is one end of a message channel. It pairs responses to in-flight
// requests by correlation id and dispatches incoming requests through its
// router. Delivery is sequential per peer: the transport's read loop calls
// Deliver one message at a time, so no two messages from the same peer are
// handled concurrently.
type Peer struct {
	id        string
	transport Transport
	router    *Router

	mu       sync.Mutex
	pending  map[uint32]chan *protocol.Message
	onClose  []func(*Peer)
	closed   bool
	nextCorr atomic.Uint32
}

// NewPeer wraps a transport with correlation and dispatch state. The caller
// owns the transport's read loop and must feed every received message to
// Deliver.
func NewPeer(t Transport, r *Router) *Peer {
	return &Peer{
		id:        uuid.NewString(),
		transport: t,
		router:    r,
		pending:   make(map[uint32]chan *protocol.Message),
	}
}

// ID returns the process-local peer identifier.
func (p *Peer) ID() string {
	return p.id
}

// RemoteAddr returns the transport's remote address.
func (p *Peer) RemoteAddr() string {
	return p.transport.RemoteAddr()
}

// OnClose registers a hook invoked exactly once when the peer closes.
func (p *Peer) OnClose(fn func(*Peer)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn(p)
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Close tears the peer down: the transport is closed, every in-flight
// request fails with a protocol error, and close hooks run. Safe to call
// more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	hooks := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	err := p.transport.Close()
	for _, ch := range pending {
		close(ch)
	}
	for _, fn := range hooks {
		fn(p)
	}
	return err
}

func (p *Peer) correlation() uint32 {
	for {
		// Zero is reserved for notifications.
		if c := p.nextCorr.Add(1); c != 0 {
			return c
		}
	}
}

// Notify sends a one-way message that expects no acknowledgement.
func (p *Peer) Notify(op protocol.OpCode, payload []byte) error {
	return p.transport.WriteMessage(&protocol.Message{Op: op, Payload: payload})
}

// Request sends a message and suspends the calling operation until the
// matching response arrives, the context expires, or the peer closes. Other
// operations on this and other peers keep running; the response is routed
// back here by correlation id no matter how many messages interleave.
func (p *Peer) Request(ctx context.Context, op protocol.OpCode, payload []byte) (*protocol.Message, error) {
	corr := p.correlation()
	ch := make(chan *protocol.Message, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: peer closed", protocol.ErrProtocol)
	}
	p.pending[corr] = ch
	p.mu.Unlock()

	msg := &protocol.Message{Op: op, CorrelationID: corr, Payload: payload}
	if err := p.transport.WriteMessage(msg); err != nil {
		p.forget(corr)
		return nil, fmt.Errorf("%w: send failed: %v", protocol.ErrProtocol, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection closed awaiting response", protocol.ErrProtocol)
		}
		return resp, nil
	case <-ctx.Done():
		p.forget(corr)
		return nil, fmt.Errorf("%w: op %d", protocol.ErrTimeout, op)
	}
}

// Call is the packet-level round trip: marshal req, send, check the
// acknowledgement status, and unmarshal the result into resp (which may be
// nil when no result payload is expected). A non-success acknowledgement is
// returned as a *protocol.ResponseError.
func (p *Peer) Call(ctx context.Context, op protocol.OpCode, req protocol.Packet, resp protocol.Packet) error {
	var payload []byte
	if req != nil {
		payload = protocol.Marshal(req)
	}
	m, err := p.Request(ctx, op, payload)
	if err != nil {
		return err
	}
	if m.Status != protocol.StatusSuccess {
		var ep protocol.ErrorPacket
		_ = protocol.Unmarshal(m.Payload, &ep)
		return &protocol.ResponseError{Status: m.Status, Reason: ep.Reason}
	}
	if resp != nil {
		if err := protocol.Unmarshal(m.Payload, resp); err != nil {
			return err
		}
	}
	return nil
}

// Respond acknowledges a request with an explicit status and payload.
func (p *Peer) Respond(req *protocol.Message, status protocol.Status, payload []byte) error {
	if req.CorrelationID == 0 {
		return fmt.Errorf("%w: cannot respond to a notification", protocol.ErrProtocol)
	}
	return p.transport.WriteMessage(&protocol.Message{
		Op:            req.Op,
		Status:        status,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	})
}

// RespondOK acknowledges a request with StatusSuccess and an optional result.
func (p *Peer) RespondOK(req *protocol.Message, result protocol.Packet) error {
	var payload []byte
	if result != nil {
		payload = protocol.Marshal(result)
	}
	return p.Respond(req, protocol.StatusSuccess, payload)
}

// RespondError acknowledges a request with the status mapped from err and
// the error text as the reason payload.
func (p *Peer) RespondError(req *protocol.Message, err error) error {
	payload := protocol.Marshal(&protocol.ErrorPacket{Reason: err.Error()})
	return p.Respond(req, protocol.StatusOf(err), payload)
}

// Deliver processes one received message. Responses resolve the pending
// request with the matching correlation id; requests and notifications are
// dispatched through the router. Transports must call Deliver from a single
// goroutine per peer.
func (p *Peer) Deliver(m *protocol.Message) {
	if m.IsResponse() {
		p.mu.Lock()
		ch, ok := p.pending[m.CorrelationID]
		if ok {
			delete(p.pending, m.CorrelationID)
		}
		p.mu.Unlock()
		if !ok {
			// Late response after timeout or abort; the issuer is gone.
			logger := log.WithComponent("channel")
			logger.Debug().
				Uint32("correlation", m.CorrelationID).
				Uint16("op", uint16(m.Op)).
				Msg("Dropping response with no pending request")
			return
		}
		ch <- m
		return
	}

	handler, ok := p.router.lookup(m.Op)
	if !ok {
		logger := log.WithComponent("channel")
		logger.Warn().
			Uint16("op", uint16(m.Op)).
			Str("remote", p.RemoteAddr()).
			Msg("No handler for opcode")
		if m.CorrelationID != 0 {
			_ = p.RespondError(m, fmt.Errorf("%w: unhandled opcode %d", protocol.ErrProtocol, m.Op))
		}
		return
	}
	handler(p, m)
}

func (p *Peer) forget(corr uint32) {
	p.mu.Lock()
	if p.pending != nil {
		delete(p.pending, corr)
	}
	p.mu.Unlock()
}
