package channel

import (
	"fmt"
	"sync"

	"github.com/bastionmp/bastion/pkg/protocol"
)

// Handler processes one inbound request or notification from a peer.
// Handlers for the same peer never run concurrently; handlers for different
// peers may. A handler that needs a remote round trip calls Peer.Request,
// which suspends only the handling operation.
type Handler func(p *Peer, m *protocol.Message)

// Router is the shared opcode table for one process role. Modules register
// their handlers during initialization; every peer on the process dispatches
// through the same table.
type Router struct {
	mu     sync.RWMutex
	routes map[protocol.OpCode]Handler
}

// NewRouter returns an empty routing table.
func NewRouter() *Router {
	return &Router{routes: make(map[protocol.OpCode]Handler)}
}

// Handle registers a handler for an opcode. Registering the same opcode
// twice is a wiring bug and returns an error.
func (r *Router) Handle(op protocol.OpCode, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[op]; exists {
		return fmt.Errorf("opcode %d already has a handler", op)
	}
	r.routes[op] = h
	return nil
}

func (r *Router) lookup(op protocol.OpCode) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.routes[op]
	return h, ok
}
