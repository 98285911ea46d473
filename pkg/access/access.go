package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/games"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
)

// ModuleName is the registry name other modules depend on.
const ModuleName = "access"

// DefaultGrantTimeout bounds the master's round trip to a game server when
// brokering a grant.
const DefaultGrantTimeout = 10 * time.Second

// pendingGrant is an access round trip in flight for one session. A second
// request from the same session while one is pending waits for and shares
// the outstanding result instead of creating a second grant.
type pendingGrant struct {
	done  chan struct{}
	grant *protocol.GameAccessPacket
	err   error
}

// Module brokers one-time access grants between clients and game servers.
type Module struct {
	sessions     *session.Registry
	gamesModule  *games.Module
	broker       *events.Broker
	grantTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingGrant // session id -> in-flight request
}

// NewModule builds the access module.
func NewModule(sessions *session.Registry, grantTimeout time.Duration) *Module {
	if grantTimeout <= 0 {
		grantTimeout = DefaultGrantTimeout
	}
	return &Module{
		sessions:     sessions,
		grantTimeout: grantTimeout,
		pending:      make(map[string]*pendingGrant),
	}
}

func (m *Module) Name() string {
	return ModuleName
}

func (m *Module) Dependencies() []string {
	return []string{"auth", "games"}
}

func (m *Module) Init(ctx *registry.Context) error {
	m.broker = ctx.Broker
	dep, ok := ctx.Lookup("games")
	if !ok {
		return fmt.Errorf("games module not initialized")
	}
	gm, ok := dep.(*games.Module)
	if !ok {
		return fmt.Errorf("unexpected games module type %T", dep)
	}
	m.gamesModule = gm
	return ctx.Router.Handle(protocol.OpAccessRequest, m.handleAccessRequest)
}

func (m *Module) handleAccessRequest(p *channel.Peer, msg *protocol.Message) {
	sess, err := m.sessions.Require(p)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	var pkt protocol.AccessRequestPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	grant, err := m.RequestAccess(sess, pkt.GameID, pkt.Password)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	_ = p.RespondOK(msg, grant)
}

// VerifyGame reports whether gameID names a registered, open game server.
// Lobby provisioning validates a claimed server with it before committing
// the lobby to that game.
func (m *Module) VerifyGame(gameID int32) error {
	rec, ok := m.gamesModule.Find(gameID)
	if !ok {
		return fmt.Errorf("%w: game %d", protocol.ErrNotFound, gameID)
	}
	if !rec.Server.Open {
		return fmt.Errorf("%w: game %d is not open", protocol.ErrRemoteFailure, gameID)
	}
	return nil
}

// RequestAccess validates a join request and brokers a one-time grant from
// the target game server. The returned grant supersedes any earlier grant
// held by the session.
func (m *Module) RequestAccess(sess *session.Session, gameID int32, password string) (*protocol.GameAccessPacket, error) {
	rec, ok := m.gamesModule.Find(gameID)
	if !ok {
		return nil, fmt.Errorf("%w: game %d", protocol.ErrNotFound, gameID)
	}
	if !rec.Server.Open {
		return nil, fmt.Errorf("%w: game %d is not open", protocol.ErrRemoteFailure, gameID)
	}
	if rec.Server.Full() {
		return nil, fmt.Errorf("%w: game %d is full", protocol.ErrCapacity, gameID)
	}
	if rec.Server.Password != "" && rec.Server.Password != password {
		return nil, fmt.Errorf("%w: wrong password", protocol.ErrUnauthorized)
	}

	// Collapse duplicate requests: one broker round trip per session.
	m.mu.Lock()
	if pg, exists := m.pending[sess.ID()]; exists {
		m.mu.Unlock()
		<-pg.done
		return pg.grant, pg.err
	}
	pg := &pendingGrant{done: make(chan struct{})}
	m.pending[sess.ID()] = pg
	m.mu.Unlock()

	pg.grant, pg.err = m.brokerGrant(sess, rec)

	m.mu.Lock()
	delete(m.pending, sess.ID())
	m.mu.Unlock()
	close(pg.done)

	return pg.grant, pg.err
}

func (m *Module) brokerGrant(sess *session.Session, rec *games.Record) (*protocol.GameAccessPacket, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.grantTimeout)
	defer cancel()

	logger := log.WithComponent("access")
	identity := sess.Identity()
	var grant protocol.GameAccessPacket
	err := rec.Peer.Call(ctx, protocol.OpAccessRequest, &protocol.GrantRequestPacket{
		Username: identity.Username,
		Guest:    identity.Guest,
	}, &grant)
	if err != nil {
		logger.Warn().
			Err(err).
			Int32("game_id", rec.Server.ID).
			Str("username", identity.Username).
			Msg("Grant request failed")
		return nil, err
	}

	// A newer grant supersedes whatever the session held; the game server
	// invalidates the old token when its TTL lapses.
	sess.SetProperty(session.KeyPendingGrant, &grant)

	logger.Info().
		Int32("game_id", rec.Server.ID).
		Str("username", identity.Username).
		Msg("Access grant issued")
	m.broker.Publish(&events.Event{
		Type:      events.EventGrantIssued,
		SessionID: sess.ID(),
		GameID:    rec.Server.ID,
	})
	return &grant, nil
}
