package lobby

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bastionmp/bastion/pkg/access"
	"github.com/bastionmp/bastion/pkg/auth"
	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
	"github.com/bastionmp/bastion/pkg/spawn"
)

// ModuleName is the registry name of the lobby module.
const ModuleName = "lobby"

// defaultControls seeds every new lobby with the standard control set.
// Creation-time values override these; unknown creation keys become plain
// free-form controls.
func defaultControls() map[string]Control {
	return map[string]Control{
		ControlMap:       {},
		ControlStartMode: {Value: StartModeMaster, Allowed: []string{StartModeMaster, StartModeAuto}},
		ControlRegion:    {},
		ControlGameID:    {},
		ControlLateJoin:  {Value: "false", Allowed: []string{"true", "false"}},
	}
}

// Module hosts the lobby engine behind the lobby opcodes.
type Module struct {
	auth    *auth.Module
	starter *spawn.Service
	granter *access.Module
	broker  *events.Broker

	mu      sync.Mutex
	lobbies map[string]*Lobby
}

// NewModule builds the lobby module for registration.
func NewModule() *Module {
	return &Module{lobbies: make(map[string]*Lobby)}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Dependencies() []string {
	return []string{auth.ModuleName, spawn.ModuleName, access.ModuleName}
}

// Init resolves dependencies and claims the lobby opcodes.
func (m *Module) Init(ctx *registry.Context) error {
	authMod, err := registry.Lookup[*auth.Module](ctx, auth.ModuleName)
	if err != nil {
		return err
	}
	starter, err := registry.Lookup[*spawn.Service](ctx, spawn.ModuleName)
	if err != nil {
		return err
	}
	granter, err := registry.Lookup[*access.Module](ctx, access.ModuleName)
	if err != nil {
		return err
	}
	m.auth = authMod
	m.starter = starter
	m.granter = granter
	m.broker = ctx.Broker

	for op, h := range map[protocol.OpCode]channel.Handler{
		protocol.OpLobbyCreate:            m.handleCreate,
		protocol.OpLobbyJoin:              m.handleJoin,
		protocol.OpLobbyLeave:             m.handleLeave,
		protocol.OpLobbySetReady:          m.handleSetReady,
		protocol.OpLobbyStartGame:         m.handleStartGame,
		protocol.OpLobbyPropertySet:       m.handlePropertySet,
		protocol.OpLobbyMemberPropertySet: m.handleMemberPropertySet,
		protocol.OpLobbyChatMessage:       m.handleChat,
	} {
		if err := ctx.Router.Handle(op, h); err != nil {
			return err
		}
	}
	return nil
}

// Find returns a lobby by id.
func (m *Module) Find(id string) (*Lobby, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[id]
	return l, ok
}

// LobbyCount returns the number of live lobbies.
func (m *Module) LobbyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lobbies)
}

// Create builds and registers a lobby from a creation request.
func (m *Module) Create(pkt *protocol.LobbyCreatePacket) (*Lobby, error) {
	controls := defaultControls()
	if pkt.StartMode != "" {
		ctrl := controls[ControlStartMode]
		if !ctrl.permits(pkt.StartMode) {
			return nil, fmt.Errorf("%w: %q is not a start mode", protocol.ErrProtocol, pkt.StartMode)
		}
		ctrl.Value = pkt.StartMode
		controls[ControlStartMode] = ctrl
	}
	for key, value := range pkt.Controls {
		ctrl := controls[key]
		if !ctrl.permits(value) {
			return nil, fmt.Errorf("%w: %q is not an allowed value for %s", protocol.ErrProtocol, value, key)
		}
		ctrl.Value = value
		controls[key] = ctrl
	}

	teams := make([]Team, 0, len(pkt.Teams))
	for _, t := range pkt.Teams {
		if t.MaxPlayers <= 0 || t.MinPlayers < 0 || t.MinPlayers > t.MaxPlayers {
			return nil, fmt.Errorf("%w: team %q has invalid player bounds", protocol.ErrProtocol, t.Name)
		}
		teams = append(teams, Team{Name: t.Name, MinPlayers: t.MinPlayers, MaxPlayers: t.MaxPlayers})
	}
	if len(teams) == 0 {
		teams = append(teams, Team{Name: "players", MaxPlayers: 64})
	}

	id := uuid.NewString()
	l := New(id, Config{
		Name:      pkt.Name,
		Type:      pkt.LobbyType,
		StartMode: controls[ControlStartMode].Value,
		Teams:     teams,
		Controls:  controls,
	}, m.starter, m.granter, m.removeLobby)

	m.mu.Lock()
	m.lobbies[id] = l
	m.mu.Unlock()

	logger := log.WithLobbyID(id)
	logger.Info().Str("name", pkt.Name).Str("type", pkt.LobbyType).Msg("Lobby created")
	m.broker.Publish(&events.Event{
		Type:    events.EventLobbyCreated,
		LobbyID: id,
		Message: fmt.Sprintf("Lobby %q created", pkt.Name),
	})
	return l, nil
}

func (m *Module) removeLobby(l *Lobby) {
	m.mu.Lock()
	delete(m.lobbies, l.ID)
	m.mu.Unlock()

	logger := log.WithLobbyID(l.ID)
	logger.Info().Msg("Lobby closed")
	m.broker.Publish(&events.Event{
		Type:    events.EventLobbyClosed,
		LobbyID: l.ID,
	})
}

func (m *Module) handleCreate(p *channel.Peer, msg *protocol.Message) {
	sess, err := m.auth.Sessions().Require(p)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	var pkt protocol.LobbyCreatePacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	l, err := m.Create(&pkt)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	// The creator joins immediately, which also makes them lobby master.
	if err := m.join(sess, l, ""); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	_ = p.RespondOK(msg, &protocol.TokenPacket{Token: l.ID})
}

func (m *Module) handleJoin(p *channel.Peer, msg *protocol.Message) {
	sess, dict, err := m.memberRequest(p, msg)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	l, ok := m.Find(dict.Entries["lobby_id"])
	if !ok {
		_ = p.RespondError(msg, fmt.Errorf("%w: no such lobby", protocol.ErrNotFound))
		return
	}
	if err := m.join(sess, l, dict.Entries["team"]); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	_ = p.RespondOK(msg, &protocol.TokenPacket{Token: l.ID})
}

// join adds a session to a lobby and binds the membership to the session's
// lifetime. A session belongs to at most one lobby at a time.
func (m *Module) join(sess *session.Session, l *Lobby, team string) error {
	if _, err := session.PropertyAs[*Lobby](sess, session.KeyLobbyMember); err == nil {
		return fmt.Errorf("%w: already in a lobby", protocol.ErrProtocol)
	}
	if err := l.Join(sess, team); err != nil {
		return err
	}
	sess.SetProperty(session.KeyLobbyMember, l)
	// Leave is a no-op for non-members, so a stale hook from an earlier
	// membership of the same session is harmless.
	sess.OnDestroy(func(s *session.Session) {
		l.Leave(s)
	})
	return nil
}

// current resolves the caller's lobby membership.
func (m *Module) current(sess *session.Session) (*Lobby, error) {
	l, err := session.PropertyAs[*Lobby](sess, session.KeyLobbyMember)
	if err != nil {
		return nil, fmt.Errorf("%w: not in a lobby", protocol.ErrNotFound)
	}
	return l, nil
}

// memberRequest is the common prologue of lobby handlers: an authenticated
// session plus a decoded dict payload.
func (m *Module) memberRequest(p *channel.Peer, msg *protocol.Message) (*session.Session, *protocol.DictPacket, error) {
	sess, err := m.auth.Sessions().Require(p)
	if err != nil {
		return nil, nil, err
	}
	var dict protocol.DictPacket
	if err := protocol.Unmarshal(msg.Payload, &dict); err != nil {
		return nil, nil, err
	}
	return sess, &dict, nil
}

func (m *Module) handleLeave(p *channel.Peer, msg *protocol.Message) {
	sess, err := m.auth.Sessions().Require(p)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	l, err := m.current(sess)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	sess.ClearProperty(session.KeyLobbyMember)
	l.Leave(sess)
	_ = p.RespondOK(msg, nil)
}

func (m *Module) handleSetReady(p *channel.Peer, msg *protocol.Message) {
	sess, dict, err := m.memberRequest(p, msg)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	l, err := m.current(sess)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	if err := l.SetReady(sess, dict.Entries["ready"] == "true"); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	_ = p.RespondOK(msg, nil)
}

func (m *Module) handleStartGame(p *channel.Peer, msg *protocol.Message) {
	sess, err := m.auth.Sessions().Require(p)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	l, err := m.current(sess)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	// Provisioning blocks until the game server is open or the start
	// fails; the caller's read pump keeps serving other peers meanwhile.
	if err := l.StartGame(sess); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	m.broker.Publish(&events.Event{
		Type:    events.EventLobbyStarted,
		LobbyID: l.ID,
		GameID:  l.GameID(),
	})
	_ = p.RespondOK(msg, nil)
}

func (m *Module) handlePropertySet(p *channel.Peer, msg *protocol.Message) {
	sess, dict, err := m.memberRequest(p, msg)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	l, err := m.current(sess)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	if err := l.SetProperty(sess, dict.Entries["key"], dict.Entries["value"]); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	_ = p.RespondOK(msg, nil)
}

func (m *Module) handleMemberPropertySet(p *channel.Peer, msg *protocol.Message) {
	sess, dict, err := m.memberRequest(p, msg)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	l, err := m.current(sess)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	if err := l.SetMemberProperty(sess, dict.Entries["key"], dict.Entries["value"]); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	_ = p.RespondOK(msg, nil)
}

func (m *Module) handleChat(p *channel.Peer, msg *protocol.Message) {
	sess, dict, err := m.memberRequest(p, msg)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	l, err := m.current(sess)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	if err := l.Chat(sess, dict.Entries["text"]); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	_ = p.RespondOK(msg, nil)
}

var _ registry.Module = (*Module)(nil)
