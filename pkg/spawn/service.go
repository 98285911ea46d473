package spawn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
	"github.com/bastionmp/bastion/pkg/types"
)

// ModuleName is the registry name other modules depend on.
const ModuleName = "spawn"

// Timeouts bounds each externally dependent phase of a spawn request.
type Timeouts struct {
	// Queue caps how long a request may wait for spawner capacity.
	Queue time.Duration
	// Order caps the spawner's acknowledgement of a spawn order.
	Order time.Duration
	// Start caps the launched process registering with the master.
	Start time.Duration
	// Register caps the registered process signalling open.
	Register time.Duration
	// Retention keeps terminal requests resolvable for late aborts and
	// status queries before they are garbage-collected.
	Retention time.Duration
}

// DefaultTimeouts are the shipped bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Queue:     60 * time.Second,
		Order:     10 * time.Second,
		Start:     30 * time.Second,
		Register:  30 * time.Second,
		Retention: 2 * time.Minute,
	}
}

type spawnerRef struct {
	rec  *types.Spawner
	peer *channel.Peer
	// reserved counts orders dispatched to this spawner that it has not
	// acknowledged yet; its own running reports cannot see them.
	reserved int32
}

// Service owns the spawner registry and the spawn request table on the
// master. It implements the games module's SpawnTracker surface.
type Service struct {
	timeouts Timeouts
	sessions *session.Registry
	broker   *events.Broker

	mu       sync.Mutex
	spawners map[string]*spawnerRef
	requests map[string]*Request
	queue    []string
}

// NewService builds the spawn module.
func NewService(sessions *session.Registry, timeouts Timeouts) *Service {
	return &Service{
		timeouts: timeouts,
		sessions: sessions,
		spawners: make(map[string]*spawnerRef),
		requests: make(map[string]*Request),
	}
}

func (s *Service) Name() string {
	return ModuleName
}

func (s *Service) Dependencies() []string {
	return []string{"auth"}
}

func (s *Service) Init(ctx *registry.Context) error {
	s.broker = ctx.Broker
	if err := ctx.Router.Handle(protocol.OpRegisterSpawner, s.handleRegisterSpawner); err != nil {
		return err
	}
	if err := ctx.Router.Handle(protocol.OpSpawnerUpdate, s.handleSpawnerUpdate); err != nil {
		return err
	}
	if err := ctx.Router.Handle(protocol.OpSpawnGameServer, s.handleSpawnRequest); err != nil {
		return err
	}
	return ctx.Router.Handle(protocol.OpAbortSpawn, s.handleAbort)
}

// SpawnerCount returns the number of registered spawners.
func (s *Service) SpawnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawners)
}

// QueueDepth returns the number of requests still waiting for dispatch.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Get returns a spawn request by id.
func (s *Service) Get(spawnID string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[spawnID]
	return r, ok
}

// Spawn places a new spawn request. The request starts Queued; if a spawner
// has capacity it is dispatched immediately, otherwise it waits for a
// capacity change up to the queue timeout.
func (s *Service) Spawn(settings protocol.SpawnSettings) *Request {
	req := newRequest(uuid.NewString(), settings)

	s.mu.Lock()
	s.requests[req.ID] = req
	s.queue = append(s.queue, req.ID)
	s.mu.Unlock()

	logger := log.WithSpawnID(req.ID)
	logger.Info().Str("scene", settings.SceneName).Msg("Spawn request queued")
	s.broker.Publish(&events.Event{Type: events.EventSpawnQueued, SpawnID: req.ID})

	req.armTimer(types.SpawnQueued, s.timeouts.Queue, func() {
		s.fail(req, fmt.Errorf("%w: no spawner capacity", protocol.ErrCapacity))
	})
	s.dispatchQueued()
	return req
}

// Abort cancels a spawn request. Idempotent: aborting a request that is
// already Aborted, Open, or Error changes nothing and returns nil.
func (s *Service) Abort(spawnID string) error {
	s.mu.Lock()
	req, ok := s.requests[spawnID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: spawn %q", protocol.ErrNotFound, spawnID)
	}

	if !req.advance(types.SpawnAborted, "aborted by requester") {
		// Already terminal: no-op by contract.
		return nil
	}
	logger := log.WithSpawnID(spawnID)
	logger.Info().Msg("Spawn aborted")
	s.afterTerminal(req)
	s.killRemote(req)
	return nil
}

// MatchRegistration cross-references a registering game-server process
// against an outstanding spawn request. Part of the games module's
// SpawnTracker surface; an error here means the connection must not be
// trusted as a game server.
func (s *Service) MatchRegistration(spawnID string, gameID int32, address string) error {
	s.mu.Lock()
	req, ok := s.requests[spawnID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no outstanding spawn %q", protocol.ErrNotFound, spawnID)
	}
	if !req.advance(types.SpawnRegistered, "") {
		// The request went terminal before the process checked in; the
		// loser of an abort race is torn down rather than orphaned.
		s.killRemote(req)
		return fmt.Errorf("%w: spawn %q is %s", protocol.ErrRemoteFailure, spawnID, statusName(req))
	}
	req.setGameID(gameID)
	req.armTimer(types.SpawnRegistered, s.timeouts.Register, func() {
		s.fail(req, fmt.Errorf("%w: process never signalled open", protocol.ErrTimeout))
	})
	logger := log.WithSpawnID(spawnID)
	logger.Info().Int32("game_id", gameID).Str("address", address).Msg("Spawned process registered")
	s.publishTransition(req)
	return nil
}

// MarkOpen flips a registered spawn to Open, its successful terminal state.
func (s *Service) MarkOpen(spawnID string) error {
	s.mu.Lock()
	req, ok := s.requests[spawnID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no outstanding spawn %q", protocol.ErrNotFound, spawnID)
	}
	if !req.advance(types.SpawnOpen, "") {
		return fmt.Errorf("%w: spawn %q is %s", protocol.ErrRemoteFailure, spawnID, statusName(req))
	}
	s.afterTerminal(req)
	logger := log.WithSpawnID(spawnID)
	logger.Info().Msg("Spawn open")
	return nil
}

// ---- opcode handlers ----

func (s *Service) handleRegisterSpawner(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.RegisterSpawnerPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	if pkt.MaxProcesses <= 0 {
		_ = p.RespondError(msg, fmt.Errorf("%w: spawner must advertise capacity", protocol.ErrProtocol))
		return
	}

	ref := &spawnerRef{
		rec: &types.Spawner{
			ID:           uuid.NewString(),
			Region:       pkt.Region,
			MaxProcesses: pkt.MaxProcesses,
			Properties:   pkt.Properties,
			RegisteredAt: time.Now(),
		},
		peer: p,
	}

	s.mu.Lock()
	s.spawners[ref.rec.ID] = ref
	s.mu.Unlock()

	p.OnClose(func(*channel.Peer) { s.dropSpawner(ref.rec.ID) })

	logger := log.WithComponent("spawn")
	logger.Info().
		Str("spawner_id", ref.rec.ID).
		Str("region", pkt.Region).
		Int32("max_processes", pkt.MaxProcesses).
		Msg("Spawner registered")
	s.broker.Publish(&events.Event{Type: events.EventSpawnerRegistered, Message: ref.rec.ID})

	_ = p.RespondOK(msg, &protocol.TokenPacket{Token: ref.rec.ID})
	s.dispatchQueued()
}

func (s *Service) handleSpawnerUpdate(p *channel.Peer, msg *protocol.Message) {
	var pkt protocol.SpawnerUpdatePacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		return
	}
	s.mu.Lock()
	for _, ref := range s.spawners {
		if ref.peer.ID() == p.ID() {
			// The report cannot see orders still in flight toward the
			// spawner; folding the reservation in keeps dispatch from
			// overcommitting slots that only look free.
			ref.rec.Running = pkt.Running + ref.reserved
			break
		}
	}
	s.mu.Unlock()
	// Freed capacity retries queued requests without the caller re-issuing.
	s.dispatchQueued()
}

func (s *Service) handleSpawnRequest(p *channel.Peer, msg *protocol.Message) {
	sess, err := s.sessions.Require(p)
	if err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	var settings protocol.SpawnSettings
	if err := protocol.Unmarshal(msg.Payload, &settings); err != nil {
		_ = p.RespondError(msg, err)
		return
	}

	req := s.Spawn(settings)
	sess.SetProperty(session.KeySpawnRequest, req)

	// Push transitions to the requester until it disconnects.
	cancel := req.Subscribe(func(status types.SpawnStatus, reason string) {
		_ = p.Notify(protocol.OpSpawnStatus, protocol.Marshal(&protocol.SpawnStatusPacket{
			SpawnID: req.ID,
			Status:  uint8(status),
			Reason:  reason,
		}))
	})
	sess.OnDestroy(func(*session.Session) { cancel() })

	_ = p.RespondOK(msg, &protocol.TokenPacket{Token: req.ID})
}

func (s *Service) handleAbort(p *channel.Peer, msg *protocol.Message) {
	if _, err := s.sessions.Require(p); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	var pkt protocol.TokenPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	if err := s.Abort(pkt.Token); err != nil {
		_ = p.RespondError(msg, err)
		return
	}
	_ = p.RespondOK(msg, nil)
}

// ---- dispatch machinery ----

// dispatchQueued assigns queued requests to spawners with free slots, in
// queue order, preferring the least-loaded spawner.
func (s *Service) dispatchQueued() {
	for {
		s.mu.Lock()
		var req *Request
		for len(s.queue) > 0 {
			head := s.requests[s.queue[0]]
			if head == nil {
				s.queue = s.queue[1:]
				continue
			}
			if st, _ := head.Status(); st != types.SpawnQueued {
				s.queue = s.queue[1:]
				continue
			}
			req = head
			break
		}
		if req == nil {
			s.mu.Unlock()
			return
		}
		ref := s.selectSpawner()
		if ref == nil {
			s.mu.Unlock()
			return
		}
		// Reserve the slot optimistically; a launch failure releases it.
		ref.rec.Running++
		ref.reserved++
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if !req.advance(types.SpawnRequested, "") {
			s.settleOrder(ref.rec.ID)
			s.releaseSlot(ref.rec.ID)
			continue
		}
		req.setSpawner(ref.rec.ID)
		s.publishTransition(req)
		go s.sendOrder(req, ref)
	}
}

// selectSpawner picks the registered spawner with the most free slots.
// Caller holds s.mu.
func (s *Service) selectSpawner() *spawnerRef {
	var best *spawnerRef
	var bestFree int32
	for _, ref := range s.spawners {
		if free := ref.rec.FreeSlots(); free > bestFree {
			best, bestFree = ref, free
		}
	}
	return best
}

func (s *Service) sendOrder(req *Request, ref *spawnerRef) {
	req.armTimer(types.SpawnRequested, s.timeouts.Order, func() {
		s.fail(req, fmt.Errorf("%w: spawner did not acknowledge order", protocol.ErrTimeout))
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.timeouts.Order)
	defer cancel()
	var proc protocol.ProcessPacket
	err := ref.peer.Call(ctx, protocol.OpSpawnGameServer, &protocol.SpawnOrderPacket{
		SpawnID:  req.ID,
		Settings: req.Settings,
	}, &proc)
	s.settleOrder(ref.rec.ID)
	if err != nil {
		s.fail(req, fmt.Errorf("%w: launch failed: %v", protocol.ErrRemoteFailure, err))
		return
	}

	if !req.advance(types.SpawnStarted, "") {
		// Aborted while the order was in flight: the launched process must
		// not be left orphaned.
		s.killRemote(req)
		return
	}
	req.setPid(proc.Pid)
	req.armTimer(types.SpawnStarted, s.timeouts.Start, func() {
		s.fail(req, fmt.Errorf("%w: process never registered", protocol.ErrTimeout))
	})
	logger := log.WithSpawnID(req.ID)
	logger.Info().Int32("pid", proc.Pid).Str("spawner_id", ref.rec.ID).Msg("Process launched")
	s.publishTransition(req)
}

// fail moves a request to Error, unless it already went terminal.
func (s *Service) fail(req *Request, cause error) {
	if !req.advance(types.SpawnError, cause.Error()) {
		return
	}
	logger := log.WithSpawnID(req.ID)
	logger.Warn().Err(cause).Msg("Spawn failed")
	s.afterTerminal(req)
	s.killRemote(req)
}

// afterTerminal releases the reserved slot, publishes the transition, and
// schedules garbage collection of the terminal request.
func (s *Service) afterTerminal(req *Request) {
	st, _ := req.Status()
	if st != types.SpawnOpen {
		if id := req.SpawnerID(); id != "" {
			s.releaseSlot(id)
		}
	}
	s.publishTransition(req)
	time.AfterFunc(s.timeouts.Retention, func() {
		s.mu.Lock()
		delete(s.requests, req.ID)
		s.mu.Unlock()
	})
	s.dispatchQueued()
}

// settleOrder ends a dispatch reservation once the spawner has answered the
// order; from then on the spawner's own reports account for the process.
func (s *Service) settleOrder(spawnerID string) {
	s.mu.Lock()
	if ref, ok := s.spawners[spawnerID]; ok && ref.reserved > 0 {
		ref.reserved--
	}
	s.mu.Unlock()
}

func (s *Service) releaseSlot(spawnerID string) {
	s.mu.Lock()
	if ref, ok := s.spawners[spawnerID]; ok && ref.rec.Running > 0 {
		ref.rec.Running--
	}
	s.mu.Unlock()
}

// killRemote tells the assigned spawner to kill the request's process, if
// one was ever launched. Safe to repeat; the spawner treats unknown spawn
// ids as a no-op.
func (s *Service) killRemote(req *Request) {
	spawnerID := req.SpawnerID()
	if spawnerID == "" {
		return
	}
	s.mu.Lock()
	ref, ok := s.spawners[spawnerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = ref.peer.Notify(protocol.OpKillProcess, protocol.Marshal(&protocol.TokenPacket{Token: req.ID}))
}

func (s *Service) dropSpawner(spawnerID string) {
	s.mu.Lock()
	delete(s.spawners, spawnerID)
	var orphaned []*Request
	for _, req := range s.requests {
		if req.SpawnerID() == spawnerID {
			if st, _ := req.Status(); !st.Terminal() {
				orphaned = append(orphaned, req)
			}
		}
	}
	s.mu.Unlock()

	logger := log.WithComponent("spawn")
	logger.Warn().Str("spawner_id", spawnerID).Msg("Spawner lost")
	s.broker.Publish(&events.Event{Type: events.EventSpawnerLost, Message: spawnerID})
	for _, req := range orphaned {
		s.fail(req, fmt.Errorf("%w: spawner disconnected", protocol.ErrRemoteFailure))
	}
	s.dispatchQueued()
}

func (s *Service) publishTransition(req *Request) {
	st, reason := req.Status()
	s.broker.Publish(&events.Event{
		Type:    events.EventSpawnTransition,
		SpawnID: req.ID,
		Message: st.String(),
		Metadata: map[string]string{
			"reason": reason,
		},
	})
}

func statusName(req *Request) string {
	st, _ := req.Status()
	return st.String()
}
