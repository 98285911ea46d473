package spawn

import (
	"context"
	"fmt"
	"sync"

	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
)

// AgentConfig configures one spawner process.
type AgentConfig struct {
	// MasterURL is the master's websocket endpoint.
	MasterURL string
	// Region is an advisory placement label.
	Region string
	// MaxProcesses caps concurrently running game servers on this host.
	MaxProcesses int32
	// ServerBinary is the game-server executable to launch.
	ServerBinary string
	// BaseArgs are prepended to every launch.
	BaseArgs []string
	// Properties are free-form labels reported to the master.
	Properties map[string]string
}

// Agent is the spawner process: it registers with the master, launches
// game-server executables on order, kills them on request, and reports its
// running count after every change.
type Agent struct {
	cfg      AgentConfig
	launcher Launcher
	router   *channel.Router

	mu    sync.Mutex
	peer  *channel.Peer
	procs map[string]int // spawn id -> pid
}

// NewAgent builds a spawner agent around a launcher.
func NewAgent(cfg AgentConfig, launcher Launcher) *Agent {
	a := &Agent{
		cfg:      cfg,
		launcher: launcher,
		router:   channel.NewRouter(),
		procs:    make(map[string]int),
	}
	// Route registration cannot fail on a fresh router.
	_ = a.router.Handle(protocol.OpSpawnGameServer, a.handleSpawnOrder)
	_ = a.router.Handle(protocol.OpKillProcess, a.handleKill)
	return a
}

// Connect dials the master and registers the spawner's capacity. The agent
// then serves spawn orders until the connection drops or ctx is cancelled.
func (a *Agent) Connect(ctx context.Context) error {
	if a.cfg.MaxProcesses <= 0 {
		return fmt.Errorf("spawner capacity must be positive")
	}
	peer, err := channel.Dial(ctx, a.cfg.MasterURL, a.router)
	if err != nil {
		return fmt.Errorf("failed to dial master: %w", err)
	}

	var id protocol.TokenPacket
	err = peer.Call(ctx, protocol.OpRegisterSpawner, &protocol.RegisterSpawnerPacket{
		Region:       a.cfg.Region,
		MaxProcesses: a.cfg.MaxProcesses,
		Properties:   a.cfg.Properties,
	}, &id)
	if err != nil {
		peer.Close()
		return fmt.Errorf("spawner registration rejected: %w", err)
	}

	a.mu.Lock()
	a.peer = peer
	a.mu.Unlock()

	logger := log.WithComponent("spawner")
	logger.Info().
		Str("spawner_id", id.Token).
		Str("master", a.cfg.MasterURL).
		Msg("Registered with master")
	return nil
}

// Close drops the master connection and kills every tracked process.
func (a *Agent) Close() {
	a.mu.Lock()
	peer := a.peer
	pids := make([]int, 0, len(a.procs))
	for _, pid := range a.procs {
		pids = append(pids, pid)
	}
	a.procs = make(map[string]int)
	a.mu.Unlock()

	for _, pid := range pids {
		_ = a.launcher.Kill(pid)
	}
	if peer != nil {
		peer.Close()
	}
}

// Running returns the number of tracked processes.
func (a *Agent) Running() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int32(len(a.procs))
}

func (a *Agent) handleSpawnOrder(p *channel.Peer, msg *protocol.Message) {
	var order protocol.SpawnOrderPacket
	if err := protocol.Unmarshal(msg.Payload, &order); err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	a.mu.Lock()
	full := int32(len(a.procs)) >= a.cfg.MaxProcesses
	a.mu.Unlock()
	if full {
		_ = p.RespondError(msg, fmt.Errorf("%w: spawner is at capacity", protocol.ErrCapacity))
		return
	}

	args := append([]string(nil), a.cfg.BaseArgs...)
	args = append(args,
		"--master", a.cfg.MasterURL,
		"--spawn-id", order.SpawnID,
		"--scene", order.Settings.SceneName,
	)
	args = append(args, order.Settings.Args...)

	logger := log.WithSpawnID(order.SpawnID)
	pid, err := a.launcher.Launch(a.cfg.ServerBinary, args)
	if err != nil {
		logger.Error().Err(err).Msg("Launch failed")
		_ = p.RespondError(msg, fmt.Errorf("%w: %v", protocol.ErrRemoteFailure, err))
		return
	}

	a.mu.Lock()
	a.procs[order.SpawnID] = pid
	running := int32(len(a.procs))
	a.mu.Unlock()

	logger.Info().Int("pid", pid).Msg("Game server launched")
	_ = p.RespondOK(msg, &protocol.ProcessPacket{SpawnID: order.SpawnID, Pid: int32(pid)})
	_ = p.Notify(protocol.OpSpawnerUpdate, protocol.Marshal(&protocol.SpawnerUpdatePacket{Running: running}))
}

// handleKill terminates the process of a spawn id. Unknown ids are a no-op
// so repeated or late kills stay idempotent.
func (a *Agent) handleKill(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.TokenPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		return
	}

	a.mu.Lock()
	pid, ok := a.procs[pkt.Token]
	if ok {
		delete(a.procs, pkt.Token)
	}
	running := int32(len(a.procs))
	a.mu.Unlock()

	if !ok {
		return
	}
	if err := a.launcher.Kill(pid); err != nil {
		logger := log.WithSpawnID(pkt.Token)
		logger.Warn().Err(err).Int("pid", pid).Msg("Kill failed")
	}
	_ = p.Notify(protocol.OpSpawnerUpdate, protocol.Marshal(&protocol.SpawnerUpdatePacket{Running: running}))
}
