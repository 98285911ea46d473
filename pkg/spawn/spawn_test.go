package spawn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
	"github.com/bastionmp/bastion/pkg/types"
)

func testTimeouts() Timeouts {
	return Timeouts{
		Queue:     500 * time.Millisecond,
		Order:     500 * time.Millisecond,
		Start:     500 * time.Millisecond,
		Register:  500 * time.Millisecond,
		Retention: time.Minute,
	}
}

func newService(t *testing.T) (*Service, *channel.Router) {
	t.Helper()
	return newServiceWith(t, testTimeouts())
}

func newServiceWith(t *testing.T, timeouts Timeouts) (*Service, *channel.Router) {
	t.Helper()
	svc := NewService(session.NewRegistry(), timeouts)
	router := channel.NewRouter()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	require.NoError(t, svc.Init(&registry.Context{Router: router, Broker: broker}))
	return svc, router
}

// fakeSpawner emulates a spawner agent over an in-process pipe: it
// acknowledges spawn orders with a pid and records kill notifications.
type fakeSpawner struct {
	peer  *channel.Peer
	kills chan string

	mu     sync.Mutex
	refuse bool
	gate   chan struct{} // when set, order acks wait for it to close
	orders []string
}

func connectSpawner(t *testing.T, masterRouter *channel.Router, capacity int32) *fakeSpawner {
	t.Helper()
	f := &fakeSpawner{kills: make(chan string, 8)}

	router := channel.NewRouter()
	require.NoError(t, router.Handle(protocol.OpSpawnGameServer, func(p *channel.Peer, m *protocol.Message) {
		var order protocol.SpawnOrderPacket
		require.NoError(t, protocol.Unmarshal(m.Payload, &order))
		f.mu.Lock()
		refuse := f.refuse
		gate := f.gate
		f.orders = append(f.orders, order.SpawnID)
		f.mu.Unlock()
		if refuse {
			_ = p.RespondError(m, errors.New("launch exploded"))
			return
		}
		if gate != nil {
			// Acknowledge only once the test releases the order, without
			// tying up this side's delivery pump.
			go func() {
				<-gate
				_ = p.RespondOK(m, &protocol.ProcessPacket{SpawnID: order.SpawnID, Pid: 4242})
			}()
			return
		}
		_ = p.RespondOK(m, &protocol.ProcessPacket{SpawnID: order.SpawnID, Pid: 4242})
	}))
	require.NoError(t, router.Handle(protocol.OpKillProcess, func(p *channel.Peer, m *protocol.Message) {
		var pkt protocol.TokenPacket
		require.NoError(t, protocol.Unmarshal(m.Payload, &pkt))
		f.kills <- pkt.Token
	}))

	peer, _ := channel.NewPipe(router, masterRouter)
	t.Cleanup(func() { peer.Close() })
	f.peer = peer

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var id protocol.TokenPacket
	require.NoError(t, peer.Call(ctx, protocol.OpRegisterSpawner, &protocol.RegisterSpawnerPacket{
		Region:       "test",
		MaxProcesses: capacity,
	}, &id))
	require.NotEmpty(t, id.Token)
	return f
}

// waitStatus blocks until the request reaches the wanted state.
func waitStatus(t *testing.T, req *Request, want types.SpawnStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if st, _ := req.Status(); st == want {
			return
		}
		select {
		case <-deadline:
			st, reason := req.Status()
			t.Fatalf("spawn stuck in %s (%s), want %s", st, reason, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		from types.SpawnStatus
		to   types.SpawnStatus
		ok   bool
	}{
		{"queued to requested", types.SpawnQueued, types.SpawnRequested, true},
		{"requested to started", types.SpawnRequested, types.SpawnStarted, true},
		{"started to registered", types.SpawnStarted, types.SpawnRegistered, true},
		{"registered to open", types.SpawnRegistered, types.SpawnOpen, true},
		{"no state skipping", types.SpawnQueued, types.SpawnStarted, false},
		{"no going backward", types.SpawnStarted, types.SpawnRequested, false},
		{"abort from queued", types.SpawnQueued, types.SpawnAborted, true},
		{"abort from registered", types.SpawnRegistered, types.SpawnAborted, true},
		{"error from started", types.SpawnStarted, types.SpawnError, true},
		{"nothing after open", types.SpawnOpen, types.SpawnAborted, false},
		{"nothing after abort", types.SpawnAborted, types.SpawnError, false},
		{"nothing after error", types.SpawnError, types.SpawnOpen, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, legalTransition(tt.from, tt.to))
		})
	}
}

func TestSubscribeAfterTerminalFiresImmediately(t *testing.T) {
	req := newRequest("r1", protocol.SpawnSettings{})
	require.True(t, req.advance(types.SpawnAborted, "gone"))

	var got types.SpawnStatus
	var reason string
	cancel := req.Subscribe(func(st types.SpawnStatus, r string) { got, reason = st, r })
	defer cancel()

	assert.Equal(t, types.SpawnAborted, got)
	assert.Equal(t, "gone", reason)
}

func TestSpawnHappyPath(t *testing.T) {
	svc, router := newService(t)
	spawner := connectSpawner(t, router, 2)

	req := svc.Spawn(protocol.SpawnSettings{SceneName: "harbor"})
	waitStatus(t, req, types.SpawnStarted)

	spawner.mu.Lock()
	assert.Equal(t, []string{req.ID}, spawner.orders)
	spawner.mu.Unlock()

	require.NoError(t, svc.MatchRegistration(req.ID, 7, "10.0.0.4:7777"))
	require.NoError(t, svc.MarkOpen(req.ID))

	st, _ := req.Status()
	assert.Equal(t, types.SpawnOpen, st)
	assert.Equal(t, int32(7), req.GameID())
}

func TestSpawnWithoutSpawnerTimesOut(t *testing.T) {
	svc, _ := newService(t)

	req := svc.Spawn(protocol.SpawnSettings{})
	waitStatus(t, req, types.SpawnError)

	_, reason := req.Status()
	assert.Contains(t, reason, "capacity")
	assert.Equal(t, 0, svc.QueueDepth())
}

func TestQueuedUntilCapacityFrees(t *testing.T) {
	svc, router := newService(t)
	connectSpawner(t, router, 1)

	first := svc.Spawn(protocol.SpawnSettings{})
	waitStatus(t, first, types.SpawnStarted)

	second := svc.Spawn(protocol.SpawnSettings{})
	st, _ := second.Status()
	assert.Equal(t, types.SpawnQueued, st)

	// Aborting the first frees its slot and dispatches the second.
	require.NoError(t, svc.Abort(first.ID))
	waitStatus(t, second, types.SpawnStarted)
}

func TestAbortIsIdempotent(t *testing.T) {
	svc, _ := newService(t)

	req := svc.Spawn(protocol.SpawnSettings{})
	require.NoError(t, svc.Abort(req.ID))
	st, _ := req.Status()
	assert.Equal(t, types.SpawnAborted, st)

	// Repeat aborts and aborts of finished requests are no-ops.
	require.NoError(t, svc.Abort(req.ID))
	st, _ = req.Status()
	assert.Equal(t, types.SpawnAborted, st)

	assert.Error(t, svc.Abort("no-such-spawn"))
}

// TestAbortRacesRegistration tests the abort-vs-success race: when the
// process checks in after the abort already won, the registration is
// rejected and the process is torn down instead of orphaned.
func TestAbortRacesRegistration(t *testing.T) {
	svc, router := newService(t)
	spawner := connectSpawner(t, router, 1)

	req := svc.Spawn(protocol.SpawnSettings{})
	waitStatus(t, req, types.SpawnStarted)

	require.NoError(t, svc.Abort(req.ID))

	err := svc.MatchRegistration(req.ID, 9, "10.0.0.4:7777")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRemoteFailure))

	select {
	case killed := <-spawner.kills:
		assert.Equal(t, req.ID, killed)
	case <-time.After(2 * time.Second):
		t.Fatal("no kill order sent for the aborted spawn")
	}
}

func TestLaunchFailureReleasesSlot(t *testing.T) {
	svc, router := newService(t)
	spawner := connectSpawner(t, router, 1)
	spawner.mu.Lock()
	spawner.refuse = true
	spawner.mu.Unlock()

	req := svc.Spawn(protocol.SpawnSettings{})
	waitStatus(t, req, types.SpawnError)

	// The optimistically reserved slot is free again.
	spawner.mu.Lock()
	spawner.refuse = false
	spawner.mu.Unlock()
	retry := svc.Spawn(protocol.SpawnSettings{})
	waitStatus(t, retry, types.SpawnStarted)
}

// TestStaleSpawnerReportDoesNotOvercommit tests that a spawner's running
// report taken before an in-flight order landed cannot free the slot that
// order reserved and let dispatch exceed the spawner's capacity.
func TestStaleSpawnerReportDoesNotOvercommit(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.Queue = 5 * time.Second
	timeouts.Order = 5 * time.Second
	svc, router := newServiceWith(t, timeouts)
	spawner := connectSpawner(t, router, 1)
	gate := make(chan struct{})
	spawner.mu.Lock()
	spawner.gate = gate
	spawner.mu.Unlock()

	first := svc.Spawn(protocol.SpawnSettings{})
	waitStatus(t, first, types.SpawnRequested)

	// The spawner reports before it has launched anything.
	require.NoError(t, spawner.peer.Notify(protocol.OpSpawnerUpdate,
		protocol.Marshal(&protocol.SpawnerUpdatePacket{Running: 0})))
	// Frames on one connection are handled in order, so an answered call
	// proves the report above was applied.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, spawner.peer.Call(ctx, protocol.OpAbortSpawn, &protocol.TokenPacket{Token: "none"}, nil))

	second := svc.Spawn(protocol.SpawnSettings{})
	time.Sleep(50 * time.Millisecond)
	st, _ := second.Status()
	assert.Equal(t, types.SpawnQueued, st)
	spawner.mu.Lock()
	assert.Equal(t, []string{first.ID}, spawner.orders)
	spawner.mu.Unlock()

	close(gate)
	waitStatus(t, first, types.SpawnStarted)
}

func TestSpawnerDisconnectFailsInflightRequests(t *testing.T) {
	svc, router := newService(t)
	spawner := connectSpawner(t, router, 1)

	req := svc.Spawn(protocol.SpawnSettings{})
	waitStatus(t, req, types.SpawnStarted)

	spawner.peer.Close()
	waitStatus(t, req, types.SpawnError)
	assert.Equal(t, 0, svc.SpawnerCount())
}

func TestRegisterWithoutSpawnFails(t *testing.T) {
	svc, _ := newService(t)
	err := svc.MatchRegistration("ghost", 1, "addr")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestStatusNotificationsOrdered(t *testing.T) {
	svc, router := newService(t)
	connectSpawner(t, router, 1)

	var mu sync.Mutex
	var seen []types.SpawnStatus
	req := svc.Spawn(protocol.SpawnSettings{})
	cancel := req.Subscribe(func(st types.SpawnStatus, _ string) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	defer cancel()

	waitStatus(t, req, types.SpawnStarted)
	require.NoError(t, svc.MatchRegistration(req.ID, 1, "addr"))
	require.NoError(t, svc.MarkOpen(req.ID))

	mu.Lock()
	defer mu.Unlock()
	// Dispatch may have advanced past early states before the subscription
	// landed, but observed transitions are strictly forward and complete.
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Contains(t, seen, types.SpawnRegistered)
	assert.Equal(t, types.SpawnOpen, seen[len(seen)-1])
}
