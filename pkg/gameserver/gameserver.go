package gameserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
)

// DefaultGrantTTL invalidates unredeemed grants after this long.
const DefaultGrantTTL = 30 * time.Second

// Config describes one game-server process.
type Config struct {
	// MasterURL is the master's websocket endpoint.
	MasterURL string
	// PublicAddress is where clients reach this server.
	PublicAddress string
	// Name is the display name shown in game listings.
	Name string
	// SpawnID is set for spawned processes and echoed at registration so
	// the master can match the outstanding spawn request.
	SpawnID string
	// SceneName is the scene this server runs.
	SceneName string
	// Password gates joining when non-empty.
	Password string
	// MaxPlayers caps admitted players; zero means unlimited.
	MaxPlayers int32
	// GrantTTL bounds how long an unredeemed access token stays valid.
	GrantTTL time.Duration
	// Properties are free-form labels (map name, game mode, zone).
	Properties map[string]string
}

// grant is one unredeemed access token. Redemption and expiry both remove
// the entry, so presence in the table means the token is still valid.
type grant struct {
	username string
	timer    *time.Timer
}

// Server is the game-server process shell: it registers with the master on
// a control channel, mints single-use access tokens on the master's
// request, signals readiness, and admits clients that present a valid
// token exactly once.
type Server struct {
	cfg          Config
	masterRouter *channel.Router
	clientRouter *channel.Router

	mu      sync.Mutex
	master  *channel.Peer
	gameID  int32
	grants  map[string]*grant
	players int32
}

// New builds an unconnected game server.
func New(cfg Config) *Server {
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = DefaultGrantTTL
	}
	s := &Server{
		cfg:          cfg,
		masterRouter: channel.NewRouter(),
		clientRouter: channel.NewRouter(),
		grants:       make(map[string]*grant),
	}
	_ = s.masterRouter.Handle(protocol.OpAccessRequest, s.handleGrantRequest)
	_ = s.masterRouter.Handle(protocol.OpKillProcess, s.handleKill)
	_ = s.clientRouter.Handle(protocol.OpCheckAccess, s.handleCheckAccess)
	return s
}

// ClientRouter exposes the router used for direct client connections, so
// embedding games can add their own gameplay opcodes next to admission.
func (s *Server) ClientRouter() *channel.Router {
	return s.clientRouter
}

// Connect dials the master and registers this server. Spawned processes
// must carry their spawn id or the master rejects the registration.
func (s *Server) Connect(ctx context.Context) error {
	peer, err := channel.Dial(ctx, s.cfg.MasterURL, s.masterRouter)
	if err != nil {
		return fmt.Errorf("failed to dial master: %w", err)
	}

	var info protocol.GameInfoPacket
	err = peer.Call(ctx, protocol.OpRegisterGameServer, &protocol.RegisterGameServerPacket{
		SpawnID:               s.cfg.SpawnID,
		Name:                  s.cfg.Name,
		Address:               s.cfg.PublicAddress,
		Password:              s.cfg.Password,
		MaxPlayers:            s.cfg.MaxPlayers,
		AccessTokenTTLSeconds: int32(s.cfg.GrantTTL / time.Second),
		Properties:            s.cfg.Properties,
	}, &info)
	if err != nil {
		peer.Close()
		return fmt.Errorf("registration rejected: %w", err)
	}

	s.mu.Lock()
	s.master = peer
	s.gameID = info.GameID
	s.mu.Unlock()

	logger := log.WithGameID(info.GameID)
	logger.Info().
		Str("address", s.cfg.PublicAddress).
		Str("spawn_id", s.cfg.SpawnID).
		Msg("Registered with master")
	return nil
}

// Open signals the master that this server finished loading and may be
// returned by listing and join queries.
func (s *Server) Open(ctx context.Context) error {
	s.mu.Lock()
	peer := s.master
	s.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("%w: not connected to master", protocol.ErrProtocol)
	}
	return peer.Call(ctx, protocol.OpGameServerOpen, nil, nil)
}

// GameID returns the id assigned by the master at registration.
func (s *Server) GameID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameID
}

// Close drops the master connection and every pending grant.
func (s *Server) Close() {
	s.mu.Lock()
	peer := s.master
	s.master = nil
	for token, g := range s.grants {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(s.grants, token)
	}
	s.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
}

// handleGrantRequest mints a single-use token for the session the master
// vouches for.
func (s *Server) handleGrantRequest(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.GrantRequestPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	s.mu.Lock()
	if s.cfg.MaxPlayers > 0 && s.players >= s.cfg.MaxPlayers {
		s.mu.Unlock()
		_ = p.RespondError(msg, fmt.Errorf("%w: server is full", protocol.ErrCapacity))
		return
	}
	token := uuid.NewString()
	g := &grant{username: pkt.Username}
	g.timer = time.AfterFunc(s.cfg.GrantTTL, func() { s.expireGrant(token) })
	s.grants[token] = g
	gameID := s.gameID
	s.mu.Unlock()

	logger := log.WithGameID(gameID)
	logger.Debug().Str("username", pkt.Username).Msg("Grant minted")
	_ = p.RespondOK(msg, &protocol.GameAccessPacket{
		Token:      token,
		Address:    s.cfg.PublicAddress,
		GameID:     gameID,
		SceneName:  s.cfg.SceneName,
		Properties: s.cfg.Properties,
	})
}

func (s *Server) expireGrant(token string) {
	s.mu.Lock()
	_, ok := s.grants[token]
	if ok {
		delete(s.grants, token)
	}
	s.mu.Unlock()
	if ok {
		logger := log.WithComponent("gameserver")
		logger.Debug().Msg("Unredeemed grant expired")
	}
}

// Redeem consumes a token. Valid for exactly one redemption: absent,
// expired, or already-consumed tokens fail with an authorization error.
func (s *Server) Redeem(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[token]
	if !ok {
		return "", fmt.Errorf("%w: invalid or consumed access token", protocol.ErrUnauthorized)
	}
	// First use removes the entry, so the token cannot be replayed and
	// redeemed grants never pile up in the table.
	delete(s.grants, token)
	if g.timer != nil {
		g.timer.Stop()
	}
	s.players++
	return g.username, nil
}

// handleCheckAccess admits a client presenting a token, or rejects and
// disconnects it.
func (s *Server) handleCheckAccess(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.TokenPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		p.Close()
		return
	}

	username, err := s.Redeem(pkt.Token)
	if err != nil {
		_ = p.RespondError(msg, err)
		p.Close()
		return
	}

	logger := log.WithGameID(s.GameID())
	logger.Info().Str("username", username).Msg("Player admitted")
	_ = p.RespondOK(msg, nil)
	s.notifyMaster(protocol.OpPlayerJoined)
	p.OnClose(func(*channel.Peer) {
		s.mu.Lock()
		if s.players > 0 {
			s.players--
		}
		s.mu.Unlock()
		s.notifyMaster(protocol.OpPlayerLeft)
	})
}

func (s *Server) notifyMaster(op protocol.OpCode) {
	s.mu.Lock()
	peer := s.master
	s.mu.Unlock()
	if peer != nil {
		_ = peer.Notify(op, nil)
	}
}

// handleKill is the master's directive to shut down, sent when an abort
// races a successful launch. Repeated kills are a no-op.
func (s *Server) handleKill(p *channel.Peer, msg *protocol.Message) {
	logger := log.WithGameID(s.GameID())
	logger.Warn().Msg("Kill directive from master")
	s.Close()
}

// PendingGrants returns the number of unconsumed tokens.
func (s *Server) PendingGrants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// ServeClients accepts direct client connections on addr until ctx ends.
func (s *Server) ServeClients(ctx context.Context, addr string) error {
	srv := channel.NewServer(addr, "/play", s.clientRouter, nil)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.ListenAndServe()
}
