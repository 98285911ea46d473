package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/types"
)

// PropertyKey names a value attached to a session by a module. Keys are
// declared by the attaching module; the session only stores them.
type PropertyKey string

const (
	KeyProfile      PropertyKey = "profile"
	KeyPendingGrant PropertyKey = "pending-grant"
	KeySpawnRequest PropertyKey = "spawn-request"
	KeyLobbyMember  PropertyKey = "lobby-member"
)

// Session binds an authenticated identity to a connected peer for the
// lifetime of the connection. Modules extend it through the property bag;
// values they attach are owned by the session and are dropped (with destroy
// hooks run) when the session is destroyed.
type Session struct {
	id       string
	peer     *channel.Peer
	identity types.Identity

	mu        sync.Mutex
	props     map[PropertyKey]any
	onDestroy []func(*Session)
	destroyed bool
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Peer returns the owning connection.
func (s *Session) Peer() *channel.Peer {
	return s.peer
}

// Identity returns the session's identity.
func (s *Session) Identity() types.Identity {
	return s.identity
}

// Username is shorthand for Identity().Username.
func (s *Session) Username() string {
	return s.identity.Username
}

// SetProperty attaches or replaces a module-owned value.
func (s *Session) SetProperty(key PropertyKey, value any) {
	s.mu.Lock()
	s.props[key] = value
	s.mu.Unlock()
}

// Property returns a raw attached value.
func (s *Session) Property(key PropertyKey) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.props[key]
	return v, ok
}

// ClearProperty detaches a value.
func (s *Session) ClearProperty(key PropertyKey) {
	s.mu.Lock()
	delete(s.props, key)
	s.mu.Unlock()
}

// OnDestroy registers a hook run when the session is destroyed. Modules use
// this to release long-lived resources tied to the session (pending grants,
// lobby membership, spawn subscriptions).
func (s *Session) OnDestroy(fn func(*Session)) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		fn(s)
		return
	}
	s.onDestroy = append(s.onDestroy, fn)
	s.mu.Unlock()
}

func (s *Session) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	hooks := s.onDestroy
	s.onDestroy = nil
	s.props = make(map[PropertyKey]any)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}

// PropertyAs returns a typed attached value, failing with a protocol error
// when the key is absent or holds a different type.
func PropertyAs[T any](s *Session, key PropertyKey) (T, error) {
	var zero T
	raw, ok := s.Property(key)
	if !ok {
		return zero, fmt.Errorf("%w: session has no %q property", protocol.ErrNotFound, key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: session property %q holds %T", protocol.ErrProtocol, key, raw)
	}
	return v, nil
}

// Registry maps connected peers to sessions. One registry exists per master
// process; all access is serialized by its lock.
type Registry struct {
	mu     sync.RWMutex
	byPeer map[string]*Session
	byName map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byPeer: make(map[string]*Session),
		byName: make(map[string]*Session),
	}
}

// Attach creates a session for a peer after successful authentication. A
// peer holds at most one session; an authenticated username may be logged
// in once. The session is destroyed automatically when the peer closes.
func (r *Registry) Attach(peer *channel.Peer, identity types.Identity) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.byPeer[peer.ID()]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: connection already has a session", protocol.ErrProtocol)
	}
	if !identity.Guest {
		if _, exists := r.byName[identity.Username]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %q is already logged in", protocol.ErrUnauthorized, identity.Username)
		}
	}

	s := &Session{
		id:       uuid.NewString(),
		peer:     peer,
		identity: identity,
		props:    make(map[PropertyKey]any),
	}
	r.byPeer[peer.ID()] = s
	if !identity.Guest {
		r.byName[identity.Username] = s
	}
	r.mu.Unlock()

	peer.OnClose(func(*channel.Peer) { r.Detach(peer) })
	return s, nil
}

// Detach destroys the session bound to a peer, if any, running destroy
// hooks and clearing attached properties.
func (r *Registry) Detach(peer *channel.Peer) {
	r.mu.Lock()
	s, ok := r.byPeer[peer.ID()]
	if ok {
		delete(r.byPeer, peer.ID())
		if !s.identity.Guest {
			delete(r.byName, s.identity.Username)
		}
	}
	r.mu.Unlock()

	if ok {
		s.destroy()
	}
}

// ByPeer returns the session attached to a peer.
func (r *Registry) ByPeer(peer *channel.Peer) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPeer[peer.ID()]
	return s, ok
}

// ByUsername returns the session of a logged-in (non-guest) user.
func (r *Registry) ByUsername(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[username]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer)
}

// Require returns the session for a peer or an authorization error, the
// common guard at the top of authenticated handlers.
func (r *Registry) Require(peer *channel.Peer) (*Session, error) {
	s, ok := r.ByPeer(peer)
	if !ok {
		return nil, fmt.Errorf("%w: not logged in", protocol.ErrUnauthorized)
	}
	return s, nil
}
