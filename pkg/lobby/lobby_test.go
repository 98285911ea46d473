package lobby

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionmp/bastion/pkg/access"
	"github.com/bastionmp/bastion/pkg/auth"
	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/games"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
	"github.com/bastionmp/bastion/pkg/spawn"
	"github.com/bastionmp/bastion/pkg/storage"
	"github.com/bastionmp/bastion/pkg/types"
)

type lobbyStack struct {
	sessions *session.Registry
	router   *channel.Router
	spawn    *spawn.Service
	games    *games.Module
	access   *access.Module
	lobbies  *Module
}

func startLobbyStack(t *testing.T) *lobbyStack {
	t.Helper()
	sessions := session.NewRegistry()
	router := channel.NewRouter()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	spawnSvc := spawn.NewService(sessions, spawn.DefaultTimeouts())
	gamesMod := games.NewModule()
	accessMod := access.NewModule(sessions, 2*time.Second)
	lobbyMod := NewModule()

	reg := registry.New()
	require.NoError(t, reg.Register(auth.NewModule(auth.NewStoreAuthenticator(storage.NewMemStore()), sessions)))
	require.NoError(t, reg.Register(spawnSvc))
	require.NoError(t, reg.Register(gamesMod))
	require.NoError(t, reg.Register(accessMod))
	require.NoError(t, reg.Register(lobbyMod))
	require.NoError(t, reg.ResolveAndInitialize(&registry.Context{Router: router, Broker: broker}))

	return &lobbyStack{
		sessions: sessions, router: router,
		spawn: spawnSvc, games: gamesMod, access: accessMod, lobbies: lobbyMod,
	}
}

type note struct {
	op      protocol.OpCode
	entries map[string]string
}

// memberConn is a piped player connection that records every lobby
// notification it receives.
type memberConn struct {
	sess  *session.Session
	peer  *channel.Peer // client side
	notes chan note
}

func (mc *memberConn) call(t *testing.T, op protocol.OpCode, req, resp protocol.Packet) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return mc.peer.Call(ctx, op, req, resp)
}

var lobbyOps = []protocol.OpCode{
	protocol.OpLobbyMemberJoined,
	protocol.OpLobbyMemberLeft,
	protocol.OpLobbyMasterChange,
	protocol.OpLobbyStateChange,
	protocol.OpLobbyPropertySet,
	protocol.OpLobbyMemberPropertySet,
	protocol.OpLobbyChatMessage,
}

func newMember(t *testing.T, stack *lobbyStack, username string) *memberConn {
	t.Helper()
	mc := &memberConn{notes: make(chan note, 64)}
	r := channel.NewRouter()
	record := func(p *channel.Peer, msg *protocol.Message) {
		var pkt protocol.DictPacket
		_ = protocol.Unmarshal(msg.Payload, &pkt)
		mc.notes <- note{op: msg.Op, entries: pkt.Entries}
	}
	for _, op := range lobbyOps {
		require.NoError(t, r.Handle(op, record))
	}
	require.NoError(t, r.Handle(protocol.OpAccessRequest, func(p *channel.Peer, msg *protocol.Message) {
		mc.notes <- note{op: msg.Op}
	}))

	client, master := channel.NewPipe(r, stack.router)
	t.Cleanup(func() { client.Close() })
	sess, err := stack.sessions.Attach(master, types.Identity{Username: username})
	require.NoError(t, err)
	mc.sess = sess
	mc.peer = client
	return mc
}

// next drains notifications until one with the wanted opcode arrives.
func (mc *memberConn) next(t *testing.T, op protocol.OpCode) map[string]string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-mc.notes:
			if n.op == op {
				return n.entries
			}
		case <-deadline:
			t.Fatalf("no notification for opcode %d", op)
			return nil
		}
	}
}

// openGameServer registers and opens a game server that mints grants.
func openGameServer(t *testing.T, stack *lobbyStack, spawnID string) int32 {
	r := channel.NewRouter()
	assert.NoError(t, r.Handle(protocol.OpAccessRequest, func(p *channel.Peer, msg *protocol.Message) {
		_ = p.RespondOK(msg, &protocol.GameAccessPacket{Token: uuid.NewString(), Address: "10.0.0.9:7777"})
	}))
	peer, _ := channel.NewPipe(r, stack.router)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var info protocol.GameInfoPacket
	if !assert.NoError(t, peer.Call(ctx, protocol.OpRegisterGameServer, &protocol.RegisterGameServerPacket{
		SpawnID: spawnID, Name: "arena", Address: "10.0.0.9:7777", MaxPlayers: 16,
	}, &info)) {
		return 0
	}
	assert.NoError(t, peer.Call(ctx, protocol.OpGameServerOpen, nil, nil))
	return info.GameID
}

// startSpawner registers a spawner that launches openGameServer for every
// order it receives.
func startSpawner(t *testing.T, stack *lobbyStack) {
	t.Helper()
	r := channel.NewRouter()
	require.NoError(t, r.Handle(protocol.OpSpawnGameServer, func(p *channel.Peer, msg *protocol.Message) {
		var order protocol.SpawnOrderPacket
		if err := protocol.Unmarshal(msg.Payload, &order); err != nil {
			_ = p.RespondError(msg, err)
			return
		}
		_ = p.RespondOK(msg, &protocol.ProcessPacket{SpawnID: order.SpawnID, Pid: 4242})
		go openGameServer(t, stack, order.SpawnID)
	}))
	require.NoError(t, r.Handle(protocol.OpKillProcess, func(p *channel.Peer, msg *protocol.Message) {
		_ = p.RespondOK(msg, nil)
	}))

	peer, _ := channel.NewPipe(r, stack.router)
	t.Cleanup(func() { peer.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, peer.Call(ctx, protocol.OpRegisterSpawner, &protocol.RegisterSpawnerPacket{
		Region: "eu", MaxProcesses: 4,
	}, nil))
}

func newTestLobby(t *testing.T, stack *lobbyStack, cfg Config) *Lobby {
	t.Helper()
	if len(cfg.Teams) == 0 {
		cfg.Teams = []Team{{Name: "players", MaxPlayers: 8}}
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 2 * time.Second
	}
	return New(uuid.NewString(), cfg, stack.spawn, stack.access, nil)
}

func TestJoinAssignsTeamsAndElectsMaster(t *testing.T) {
	stack := startLobbyStack(t)
	l := newTestLobby(t, stack, Config{
		Name: "duel",
		Teams: []Team{
			{Name: "red", MaxPlayers: 1},
			{Name: "blue", MaxPlayers: 2},
		},
	})

	ada := newMember(t, stack, "ada")
	bob := newMember(t, stack, "bob")
	carol := newMember(t, stack, "carol")

	require.NoError(t, l.Join(ada.sess, "red"))
	assert.Equal(t, "ada", l.MasterName())
	assert.Equal(t, "ada", ada.next(t, protocol.OpLobbyMasterChange)["username"])

	// Automatic assignment picks the emptiest team.
	require.NoError(t, l.Join(bob.sess, ""))
	team, ok := l.MemberTeam("bob")
	require.True(t, ok)
	assert.Equal(t, "blue", team)

	// Red is full; the explicit request is refused, not redirected.
	err := l.Join(carol.sess, "red")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrCapacity))

	err = l.Join(ada.sess, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrProtocol))

	// Both members saw bob arrive; notifications are tagged with the lobby.
	for _, mc := range []*memberConn{ada, bob} {
		joined := mc.next(t, protocol.OpLobbyMemberJoined)
		for joined["username"] != "bob" {
			joined = mc.next(t, protocol.OpLobbyMemberJoined)
		}
		assert.Equal(t, "blue", joined["team"])
		assert.Equal(t, l.ID, joined["lobby_id"])
	}
}

func TestLeaveReassignsMasterAndClosesWhenEmpty(t *testing.T) {
	stack := startLobbyStack(t)
	var closedID string
	l := New(uuid.NewString(), Config{
		Name:  "trio",
		Teams: []Team{{Name: "players", MaxPlayers: 8}},
	}, stack.spawn, stack.access, func(l *Lobby) { closedID = l.ID })

	ada := newMember(t, stack, "ada")
	bob := newMember(t, stack, "bob")
	carol := newMember(t, stack, "carol")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.Join(bob.sess, ""))
	require.NoError(t, l.Join(carol.sess, ""))

	// Master falls to the earliest-joined remaining member.
	l.Leave(ada.sess)
	assert.Equal(t, "bob", l.MasterName())
	change := bob.next(t, protocol.OpLobbyMasterChange)
	for change["username"] != "bob" {
		change = bob.next(t, protocol.OpLobbyMasterChange)
	}

	// Leaving twice is harmless.
	l.Leave(ada.sess)
	assert.Equal(t, 2, l.MemberCount())

	l.Leave(bob.sess)
	l.Leave(carol.sess)
	assert.Equal(t, types.LobbyClosed, l.State())
	assert.Equal(t, l.ID, closedID)

	err := l.Join(ada.sess, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestSetReadyBroadcasts(t *testing.T) {
	stack := startLobbyStack(t)
	l := newTestLobby(t, stack, Config{Name: "duo"})

	ada := newMember(t, stack, "ada")
	bob := newMember(t, stack, "bob")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.Join(bob.sess, ""))

	require.NoError(t, l.SetReady(ada.sess, true))
	assert.True(t, l.IsReady("ada"))
	assert.False(t, l.IsReady("bob"))

	n := bob.next(t, protocol.OpLobbyMemberPropertySet)
	assert.Equal(t, "ada", n["username"])
	assert.Equal(t, "ready", n["key"])
	assert.Equal(t, "true", n["value"])

	outsider := newMember(t, stack, "mallory")
	err := l.SetReady(outsider.sess, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestSetPropertyMasterOnlyAndControlled(t *testing.T) {
	stack := startLobbyStack(t)
	l := newTestLobby(t, stack, Config{
		Name: "duel",
		Controls: map[string]Control{
			ControlMap: {Value: "dust", Allowed: []string{"dust", "aztec"}},
		},
	})

	ada := newMember(t, stack, "ada")
	bob := newMember(t, stack, "bob")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.Join(bob.sess, ""))

	err := l.SetProperty(bob.sess, ControlMap, "aztec")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrUnauthorized))

	err = l.SetProperty(ada.sess, ControlMap, "volcano")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrProtocol))

	require.NoError(t, l.SetProperty(ada.sess, ControlMap, "aztec"))
	n := bob.next(t, protocol.OpLobbyPropertySet)
	assert.Equal(t, ControlMap, n["key"])
	assert.Equal(t, "aztec", n["value"])

	// Free-form properties are unconstrained.
	require.NoError(t, l.SetProperty(ada.sess, "motd", "good luck"))

	require.NoError(t, l.SetMemberProperty(bob.sess, "color", "teal"))
	mp := ada.next(t, protocol.OpLobbyMemberPropertySet)
	assert.Equal(t, "bob", mp["username"])
	assert.Equal(t, "color", mp["key"])
	assert.Equal(t, "teal", mp["value"])
}

func TestChatReachesEveryMember(t *testing.T) {
	stack := startLobbyStack(t)
	l := newTestLobby(t, stack, Config{Name: "duo"})

	ada := newMember(t, stack, "ada")
	bob := newMember(t, stack, "bob")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.Join(bob.sess, ""))

	require.NoError(t, l.Chat(ada.sess, "glhf"))
	for _, mc := range []*memberConn{ada, bob} {
		n := mc.next(t, protocol.OpLobbyChatMessage)
		assert.Equal(t, "ada", n["from"])
		assert.Equal(t, "glhf", n["text"])
	}

	outsider := newMember(t, stack, "mallory")
	err := l.Chat(outsider.sess, "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestStartGameClaimsConfiguredServer(t *testing.T) {
	stack := startLobbyStack(t)
	gameID := openGameServer(t, stack, "")
	require.NotZero(t, gameID)

	l := newTestLobby(t, stack, Config{
		Name: "duel",
		Controls: map[string]Control{
			ControlGameID: {Value: strconv.FormatInt(int64(gameID), 10)},
		},
	})

	ada := newMember(t, stack, "ada")
	bob := newMember(t, stack, "bob")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.Join(bob.sess, ""))
	require.NoError(t, l.SetReady(ada.sess, true))
	require.NoError(t, l.SetReady(bob.sess, true))

	require.NoError(t, l.StartGame(ada.sess))
	assert.Equal(t, types.LobbyGameInProgress, l.State())
	assert.Equal(t, gameID, l.GameID())

	change := ada.next(t, protocol.OpLobbyStateChange)
	assert.Equal(t, types.LobbyGameInProgress.String(), change["state"])
	assert.Equal(t, strconv.FormatInt(int64(gameID), 10), change["game_id"])

	// Every ready member is handed a grant.
	ada.next(t, protocol.OpAccessRequest)
	bob.next(t, protocol.OpAccessRequest)

	// Joining a running game needs the late-join control.
	carol := newMember(t, stack, "carol")
	err := l.Join(carol.sess, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrCapacity))
}

func TestStartGameRequiresMasterAndReadiness(t *testing.T) {
	stack := startLobbyStack(t)
	l := newTestLobby(t, stack, Config{Name: "duel"})

	ada := newMember(t, stack, "ada")
	bob := newMember(t, stack, "bob")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.Join(bob.sess, ""))

	err := l.StartGame(bob.sess)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrUnauthorized))

	require.NoError(t, l.SetReady(ada.sess, true))
	err = l.StartGame(ada.sess)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRemoteFailure))
	assert.Equal(t, types.LobbyPreparation, l.State())
}

func TestStartGameSpawnsWhenNoServerClaimed(t *testing.T) {
	stack := startLobbyStack(t)
	startSpawner(t, stack)

	l := newTestLobby(t, stack, Config{
		Name: "duel",
		Controls: map[string]Control{
			ControlMap:    {Value: "arena"},
			ControlRegion: {Value: "eu"},
		},
		StartTimeout: 5 * time.Second,
	})

	ada := newMember(t, stack, "ada")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.SetReady(ada.sess, true))

	require.NoError(t, l.StartGame(ada.sess))
	assert.Equal(t, types.LobbyGameInProgress, l.State())
	assert.NotZero(t, l.GameID())

	rec, ok := stack.games.Find(l.GameID())
	require.True(t, ok)
	assert.Equal(t, "arena", rec.Server.Name)
}

func TestStartFailureKeepsLobbyPreparing(t *testing.T) {
	stack := startLobbyStack(t)
	l := newTestLobby(t, stack, Config{
		Name: "duel",
		Controls: map[string]Control{
			ControlGameID: {Value: "not-a-number"},
		},
	})

	ada := newMember(t, stack, "ada")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.SetReady(ada.sess, true))

	err := l.StartGame(ada.sess)
	require.Error(t, err)
	assert.Equal(t, types.LobbyPreparation, l.State())

	n := ada.next(t, protocol.OpLobbyStateChange)
	assert.Equal(t, types.LobbyPreparation.String(), n["state"])
	assert.NotEmpty(t, n["error"])

	// The failed attempt released the start guard.
	gameID := openGameServer(t, stack, "")
	require.NoError(t, l.SetProperty(ada.sess, ControlGameID, strconv.FormatInt(int64(gameID), 10)))
	require.NoError(t, l.StartGame(ada.sess))
	assert.Equal(t, types.LobbyGameInProgress, l.State())
}

// TestClaimOfUnknownServerKeepsLobbyPreparing tests that a game-id control
// pointing at a server that was never registered fails the start instead of
// stranding every member in a game that does not exist.
func TestClaimOfUnknownServerKeepsLobbyPreparing(t *testing.T) {
	stack := startLobbyStack(t)
	l := newTestLobby(t, stack, Config{
		Name: "duel",
		Controls: map[string]Control{
			ControlGameID: {Value: "999"},
		},
	})

	ada := newMember(t, stack, "ada")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.SetReady(ada.sess, true))

	err := l.StartGame(ada.sess)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
	assert.Equal(t, types.LobbyPreparation, l.State())

	n := ada.next(t, protocol.OpLobbyStateChange)
	assert.Equal(t, types.LobbyPreparation.String(), n["state"])
	assert.NotEmpty(t, n["error"])
}

// TestClaimOfUnopenedServerKeepsLobbyPreparing tests that claiming a server
// that registered but never signalled open fails the start the same way.
func TestClaimOfUnopenedServerKeepsLobbyPreparing(t *testing.T) {
	stack := startLobbyStack(t)

	// Register a server without the open signal.
	r := channel.NewRouter()
	peer, _ := channel.NewPipe(r, stack.router)
	t.Cleanup(func() { peer.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var info protocol.GameInfoPacket
	require.NoError(t, peer.Call(ctx, protocol.OpRegisterGameServer, &protocol.RegisterGameServerPacket{
		Name: "arena", Address: "10.0.0.9:7777", MaxPlayers: 16,
	}, &info))

	l := newTestLobby(t, stack, Config{
		Name: "duel",
		Controls: map[string]Control{
			ControlGameID: {Value: strconv.FormatInt(int64(info.GameID), 10)},
		},
	})

	ada := newMember(t, stack, "ada")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.SetReady(ada.sess, true))

	err := l.StartGame(ada.sess)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRemoteFailure))
	assert.Equal(t, types.LobbyPreparation, l.State())
}

func TestAutoStartWaitsForTeamMinimum(t *testing.T) {
	stack := startLobbyStack(t)
	gameID := openGameServer(t, stack, "")

	l := newTestLobby(t, stack, Config{
		Name:      "duo",
		StartMode: StartModeAuto,
		Teams:     []Team{{Name: "players", MinPlayers: 2, MaxPlayers: 8}},
		Controls: map[string]Control{
			ControlGameID: {Value: strconv.FormatInt(int64(gameID), 10)},
		},
	})

	ada := newMember(t, stack, "ada")
	require.NoError(t, l.Join(ada.sess, ""))
	require.NoError(t, l.SetReady(ada.sess, true))

	// One ready member is below the team minimum; nothing starts.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.LobbyPreparation, l.State())

	bob := newMember(t, stack, "bob")
	require.NoError(t, l.Join(bob.sess, ""))
	require.NoError(t, l.SetReady(bob.sess, true))

	require.Eventually(t, func() bool {
		return l.State() == types.LobbyGameInProgress
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, gameID, l.GameID())
}
