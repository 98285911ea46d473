package profile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bastionmp/bastion/pkg/auth"
	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/games"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
	"github.com/bastionmp/bastion/pkg/storage"
)

// ModuleName is the registry name of the profile module.
const ModuleName = "profile"

type cached struct {
	prof *Profile
	// Guest profiles live and die with the session.
	transient bool
}

// Module owns the authoritative profiles on the master. Game servers push
// deltas with ProfileUpdate; the module applies them, persists the result
// and forwards the delta to the player's connected mirror.
type Module struct {
	auth    *auth.Module
	games   *games.Module
	store   storage.Store
	factory *Factory

	mu    sync.Mutex
	cache map[string]*cached
}

// NewModule builds the profile module around a persistence store and the
// default property set.
func NewModule(store storage.Store, factory *Factory) *Module {
	return &Module{
		store:   store,
		factory: factory,
		cache:   make(map[string]*cached),
	}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Dependencies() []string {
	return []string{auth.ModuleName, games.ModuleName}
}

func (m *Module) Init(ctx *registry.Context) error {
	authMod, err := registry.Lookup[*auth.Module](ctx, auth.ModuleName)
	if err != nil {
		return err
	}
	gamesMod, err := registry.Lookup[*games.Module](ctx, games.ModuleName)
	if err != nil {
		return err
	}
	m.auth = authMod
	m.games = gamesMod
	m.auth.OnLogin(m.attach)

	if err := ctx.Router.Handle(protocol.OpProfileRequest, m.handleRequest); err != nil {
		return err
	}
	return ctx.Router.Handle(protocol.OpProfileUpdate, m.handleUpdate)
}

// attach binds a profile to a fresh session and persists it on logout.
func (m *Module) attach(sess *session.Session) {
	username := sess.Username()
	transient := sess.Identity().Guest

	prof, err := m.profileFor(username, transient)
	if err != nil {
		logger := log.WithComponent("profile")
		logger.Error().Err(err).Str("username", username).Msg("Failed to load profile")
		return
	}
	sess.SetProperty(session.KeyProfile, prof)
	sess.OnDestroy(func(*session.Session) {
		m.release(username)
	})
}

// profileFor returns the cached profile for a username, loading it from the
// store (or seeding factory defaults) on first use.
func (m *Module) profileFor(username string, transient bool) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cache[username]; ok {
		return c.prof, nil
	}

	prof := m.factory.New(username)
	if !transient {
		data, err := m.store.LoadProfile(username)
		switch {
		case err == nil:
			if err := prof.Decode(data); err != nil {
				return nil, err
			}
		case errors.Is(err, storage.ErrNotFound):
			// First login keeps the factory defaults.
		default:
			return nil, err
		}
	}
	m.cache[username] = &cached{prof: prof, transient: transient}
	return prof, nil
}

// release persists and evicts a profile when its session ends.
func (m *Module) release(username string) {
	m.mu.Lock()
	c, ok := m.cache[username]
	if ok {
		delete(m.cache, username)
	}
	m.mu.Unlock()
	if !ok || c.transient {
		return
	}
	if err := m.store.SaveProfile(username, c.prof.Encode()); err != nil {
		logger := log.WithComponent("profile")
		logger.Error().Err(err).Str("username", username).Msg("Failed to persist profile")
	}
}

// handleRequest serves a full profile snapshot. A session asks for its own
// profile with an empty username; a registered game server may name any
// player it hosts.
func (m *Module) handleRequest(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.ProfileDeltaPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	var prof *Profile
	if pkt.Username == "" {
		sess, err := m.auth.Sessions().Require(p)
		if err != nil {
			_ = p.RespondError(msg, err)
			return
		}
		prof, err = session.PropertyAs[*Profile](sess, session.KeyProfile)
		if err != nil {
			_ = p.RespondError(msg, err)
			return
		}
	} else {
		if _, ok := m.games.FindByPeer(p); !ok {
			_ = p.RespondError(msg, fmt.Errorf("%w: profiles of other players are game-server only", protocol.ErrUnauthorized))
			return
		}
		var err error
		prof, err = m.profileFor(pkt.Username, false)
		if err != nil {
			_ = p.RespondError(msg, err)
			return
		}
	}

	_ = p.RespondOK(msg, &protocol.ProfileDeltaPacket{
		Username: prof.Username,
		Entries:  prof.FillProfileValues(),
	})
}

// handleUpdate accepts a dirty delta from a game server, applies it to the
// authoritative profile and forwards the resulting delta to the player's
// session.
func (m *Module) handleUpdate(p *channel.Peer, msg *protocol.Message) {
	if _, ok := m.games.FindByPeer(p); !ok {
		_ = p.RespondError(msg, fmt.Errorf("%w: profile updates are game-server only", protocol.ErrUnauthorized))
		return
	}
	var pkt protocol.ProfileDeltaPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	if pkt.Username == "" {
		_ = p.RespondError(msg, fmt.Errorf("%w: profile update without username", protocol.ErrProtocol))
		return
	}

	prof, err := m.profileFor(pkt.Username, false)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	prof.ApplyAuthoritative(pkt.Entries)
	delta := prof.CollectDirtyUpdates()

	if err := m.store.SaveProfile(pkt.Username, prof.Encode()); err != nil {
		logger := log.WithComponent("profile")
		logger.Error().Err(err).Str("username", pkt.Username).Msg("Failed to persist profile")
	}
	if sess, ok := m.auth.Sessions().ByUsername(pkt.Username); ok {
		_ = sess.Peer().Notify(protocol.OpProfileUpdate, protocol.Marshal(&protocol.ProfileDeltaPacket{
			Username: pkt.Username,
			Entries:  delta,
		}))
	}
	_ = p.RespondOK(msg, nil)
}

var _ registry.Module = (*Module)(nil)
