package master

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bastionmp/bastion/pkg/access"
	"github.com/bastionmp/bastion/pkg/auth"
	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/config"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/games"
	"github.com/bastionmp/bastion/pkg/lobby"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/metrics"
	"github.com/bastionmp/bastion/pkg/profile"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
	"github.com/bastionmp/bastion/pkg/spawn"
	"github.com/bastionmp/bastion/pkg/storage"
)

// Profile key assignments shared between master, game servers and clients.
const (
	ProfileKeyCoins  uint16 = 1
	ProfileKeyRank   uint16 = 2
	ProfileKeyAvatar uint16 = 3
)

// DefaultProfileFactory seeds the property set every player starts with.
func DefaultProfileFactory() *profile.Factory {
	return profile.NewFactory(
		profile.Default{Key: ProfileKeyCoins, Kind: protocol.PropertyInt},
		profile.Default{Key: ProfileKeyRank, Kind: protocol.PropertyInt},
		profile.Default{Key: ProfileKeyAvatar, Kind: protocol.PropertyString},
	)
}

// Master is the composed orchestration process: storage, the event broker,
// the session registry, all modules resolved through the module registry,
// and the listeners on top.
type Master struct {
	cfg config.Master

	store     storage.Store
	broker    *events.Broker
	sessions  *session.Registry
	router    *channel.Router
	modules   *registry.Registry
	server    *channel.Server
	collector *metrics.Collector
	metricsRT *http.Server

	authMod    *auth.Module
	gamesMod   *games.Module
	spawnSvc   *spawn.Service
	accessMod  *access.Module
	lobbyMod   *lobby.Module
	profileMod *profile.Module
}

// New wires a master from configuration. The module registry resolves the
// dependency graph; an unsatisfiable graph is a fatal *registry.ConfigError.
func New(cfg config.Master) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("master: open store: %w", err)
	}

	m := &Master{
		cfg:      cfg,
		store:    store,
		broker:   events.NewBroker(),
		sessions: session.NewRegistry(),
		router:   channel.NewRouter(),
		modules:  registry.New(),
	}

	timeouts := spawn.DefaultTimeouts()
	if cfg.SpawnQueueTimeout > 0 {
		timeouts.Queue = cfg.SpawnQueueTimeout
	}
	if cfg.SpawnOrderTimeout > 0 {
		timeouts.Order = cfg.SpawnOrderTimeout
	}
	if cfg.SpawnStartTimeout > 0 {
		timeouts.Start = cfg.SpawnStartTimeout
	}
	if cfg.SpawnRegisterTimeout > 0 {
		timeouts.Register = cfg.SpawnRegisterTimeout
	}

	m.authMod = auth.NewModule(auth.NewStoreAuthenticator(store), m.sessions)
	m.spawnSvc = spawn.NewService(m.sessions, timeouts)
	m.gamesMod = games.NewModule()
	m.accessMod = access.NewModule(m.sessions, 0)
	m.lobbyMod = lobby.NewModule()
	m.profileMod = profile.NewModule(store, DefaultProfileFactory())

	for _, mod := range []registry.Module{
		m.authMod, m.spawnSvc, m.gamesMod, m.accessMod, m.lobbyMod, m.profileMod,
	} {
		if err := m.modules.Register(mod); err != nil {
			store.Close()
			return nil, err
		}
	}

	m.broker.Start()
	if err := m.modules.ResolveAndInitialize(&registry.Context{
		Router: m.router,
		Broker: m.broker,
	}); err != nil {
		m.broker.Stop()
		store.Close()
		return nil, err
	}

	m.server = channel.NewServer(cfg.Listen, cfg.Path, m.router, nil)
	m.collector = metrics.NewCollector(metrics.Sources{
		Sessions:    m.sessions.Count,
		GameServers: m.gamesMod.Count,
		Spawners:    m.spawnSvc.SpawnerCount,
		SpawnQueue:  m.spawnSvc.QueueDepth,
		Lobbies:     m.lobbyMod.LobbyCount,
	}, m.broker)
	return m, nil
}

// Run serves until the context is cancelled, then shuts down.
func (m *Master) Run(ctx context.Context) error {
	logger := log.WithComponent("master")
	m.collector.Start()
	if m.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		m.metricsRT = &http.Server{Addr: m.cfg.MetricsListen, Handler: mux}
		go func() {
			if err := m.metricsRT.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.server.ListenAndServe()
	}()
	logger.Info().
		Str("listen", m.cfg.Listen).
		Str("path", m.cfg.Path).
		Msg("Master listening")

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		return m.Shutdown()
	}
}

// Shutdown stops the listeners, the collector, the broker and the store.
func (m *Master) Shutdown() error {
	logger := log.WithComponent("master")
	logger.Info().Msg("Master shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if m.metricsRT != nil {
		if err := m.metricsRT.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.collector.Stop()
	m.broker.Stop()
	if err := m.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Sessions exposes the session registry, primarily for tests.
func (m *Master) Sessions() *session.Registry {
	return m.sessions
}

// Router exposes the opcode router so in-process peers can be piped to the
// master in tests.
func (m *Master) Router() *channel.Router {
	return m.router
}
