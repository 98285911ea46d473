package games

import (
	"fmt"
	"sync"
	"time"

	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/types"
)

// ModuleName is the registry name other modules depend on.
const ModuleName = "games"

// SpawnTracker is the slice of the spawn module the games registry needs:
// cross-referencing a registering process against an outstanding spawn
// request, and flipping that request to Open. Implemented by spawn.Service.
type SpawnTracker interface {
	MatchRegistration(spawnID string, gameID int32, address string) error
	MarkOpen(spawnID string) error
}

// Record pairs a game-server record with its control channel peer.
type Record struct {
	Server *types.GameServer
	Peer   *channel.Peer
}

// Module owns the master's game-server table. The table is mutated only
// here; other modules read through this surface.
type Module struct {
	tracker SpawnTracker
	broker  *events.Broker

	mu     sync.RWMutex
	byID   map[int32]*Record
	byPeer map[string]*Record
	nextID int32
}

// NewModule builds the games registry module.
func NewModule() *Module {
	return &Module{
		byID:   make(map[int32]*Record),
		byPeer: make(map[string]*Record),
	}
}

func (m *Module) Name() string {
	return ModuleName
}

func (m *Module) Dependencies() []string {
	return []string{"spawn"}
}

func (m *Module) Init(ctx *registry.Context) error {
	m.broker = ctx.Broker
	dep, ok := ctx.Lookup("spawn")
	if !ok {
		return fmt.Errorf("spawn module not initialized")
	}
	tracker, ok := dep.(SpawnTracker)
	if !ok {
		return fmt.Errorf("spawn module does not implement SpawnTracker")
	}
	m.tracker = tracker

	if err := ctx.Router.Handle(protocol.OpRegisterGameServer, m.handleRegister); err != nil {
		return err
	}
	if err := ctx.Router.Handle(protocol.OpGameServerOpen, m.handleOpen); err != nil {
		return err
	}
	if err := ctx.Router.Handle(protocol.OpGamesList, m.handleGamesList); err != nil {
		return err
	}
	if err := ctx.Router.Handle(protocol.OpPlayerJoined, m.handlePlayerJoined); err != nil {
		return err
	}
	return ctx.Router.Handle(protocol.OpPlayerLeft, m.handlePlayerLeft)
}

// Find returns the record for a game id.
func (m *Module) Find(gameID int32) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[gameID]
	return rec, ok
}

// FindByPeer returns the record owned by a game-server connection.
func (m *Module) FindByPeer(p *channel.Peer) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byPeer[p.ID()]
	return rec, ok
}

// FindBySpawnID returns the record registered under a spawn id.
func (m *Module) FindBySpawnID(spawnID string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.byID {
		if rec.Server.SpawnID == spawnID {
			return rec, true
		}
	}
	return nil, false
}

// handleRegister admits a game-server process into the table. A non-empty
// spawn id must match an outstanding spawn request; an unmatched id means
// the connection is not trusted as a game server.
func (m *Module) handleRegister(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.RegisterGameServerPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	m.mu.Lock()
	if _, exists := m.byPeer[p.ID()]; exists {
		m.mu.Unlock()
		_ = p.RespondError(msg, fmt.Errorf("%w: connection already registered a game server", protocol.ErrProtocol))
		return
	}
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	logger := log.WithComponent("games")
	if pkt.SpawnID != "" {
		if err := m.tracker.MatchRegistration(pkt.SpawnID, id, pkt.Address); err != nil {
			logger.Warn().
				Err(err).
				Str("spawn_id", pkt.SpawnID).
				Str("remote", p.RemoteAddr()).
				Msg("Rejecting game-server registration")
			_ = p.RespondError(msg, err)
			return
		}
	}

	rec := &Record{
		Server: &types.GameServer{
			ID:           id,
			SpawnID:      pkt.SpawnID,
			Name:         pkt.Name,
			Address:      pkt.Address,
			Password:     pkt.Password,
			MaxPlayers:   pkt.MaxPlayers,
			Properties:   pkt.Properties,
			RegisteredAt: time.Now(),
		},
		Peer: p,
	}

	m.mu.Lock()
	m.byID[id] = rec
	m.byPeer[p.ID()] = rec
	m.mu.Unlock()

	p.OnClose(func(*channel.Peer) { m.remove(p) })

	logger.Info().
		Int32("game_id", id).
		Str("address", pkt.Address).
		Str("spawn_id", pkt.SpawnID).
		Msg("Game server registered")
	m.broker.Publish(&events.Event{Type: events.EventServerRegistered, GameID: id, Message: pkt.Name})

	_ = p.RespondOK(msg, &protocol.GameInfoPacket{GameID: id, Name: pkt.Name, Address: pkt.Address})
}

// handleOpen marks a registered server as open for players. Until this
// notification the server is invisible to listing and join queries.
func (m *Module) handleOpen(p *channel.Peer, msg *protocol.Message) {
	m.mu.Lock()
	rec, ok := m.byPeer[p.ID()]
	if ok {
		rec.Server.Open = true
	}
	m.mu.Unlock()
	if !ok {
		if msg.CorrelationID != 0 {
			_ = p.RespondError(msg, fmt.Errorf("%w: no game server on this connection", protocol.ErrNotFound))
		}
		return
	}

	logger := log.WithComponent("games")
	if rec.Server.SpawnID != "" {
		if err := m.tracker.MarkOpen(rec.Server.SpawnID); err != nil {
			logger.Warn().Err(err).Str("spawn_id", rec.Server.SpawnID).Msg("Open signal for unmatched spawn")
		}
	}

	logger.Info().Int32("game_id", rec.Server.ID).Msg("Game server open")
	m.broker.Publish(&events.Event{Type: events.EventServerOpened, GameID: rec.Server.ID})
	if msg.CorrelationID != 0 {
		_ = p.RespondOK(msg, nil)
	}
}

// handleGamesList returns open, non-full servers.
func (m *Module) handleGamesList(p *channel.Peer, msg *protocol.Message) {
	m.mu.RLock()
	list := protocol.GamesListPacket{}
	for _, rec := range m.byID {
		s := rec.Server
		if !s.Open || s.Full() {
			continue
		}
		list.Games = append(list.Games, protocol.GameInfoPacket{
			GameID:            s.ID,
			Name:              s.Name,
			Address:           s.Address,
			PlayerCount:       s.PlayerCount,
			MaxPlayers:        s.MaxPlayers,
			PasswordProtected: s.Password != "",
			Properties:        s.Properties,
		})
	}
	m.mu.RUnlock()
	_ = p.RespondOK(msg, &list)
}

func (m *Module) handlePlayerJoined(p *channel.Peer, msg *protocol.Message) {
	m.adjustPlayers(p, 1)
}

func (m *Module) handlePlayerLeft(p *channel.Peer, msg *protocol.Message) {
	m.adjustPlayers(p, -1)
}

func (m *Module) adjustPlayers(p *channel.Peer, delta int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byPeer[p.ID()]
	if !ok {
		return
	}
	rec.Server.PlayerCount += delta
	if rec.Server.PlayerCount < 0 {
		rec.Server.PlayerCount = 0
	}
}

func (m *Module) remove(p *channel.Peer) {
	m.mu.Lock()
	rec, ok := m.byPeer[p.ID()]
	if ok {
		delete(m.byPeer, p.ID())
		delete(m.byID, rec.Server.ID)
	}
	m.mu.Unlock()
	if ok {
		logger := log.WithComponent("games")
		logger.Info().Int32("game_id", rec.Server.ID).Msg("Game server disconnected")
		m.broker.Publish(&events.Event{Type: events.EventServerClosed, GameID: rec.Server.ID})
	}
}

// Count returns the number of registered servers.
func (m *Module) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
