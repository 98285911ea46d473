package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type accessStack struct {
	sessions *session.Registry
	games    *games.Module
	access   *Module
	router   *channel.Router
}

// startAccessStack wires auth, spawn, games and access through one router,
// the way the master assembles them.
func startAccessStack(t *testing.T) *accessStack {
	t.Helper()
	sessions := session.NewRegistry()
	router := channel.NewRouter()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	gamesMod := games.NewModule()
	accessMod := NewModule(sessions, 2*time.Second)

	reg := registry.New()
	require.NoError(t, reg.Register(auth.NewModule(auth.NewStoreAuthenticator(storage.NewMemStore()), sessions)))
	require.NoError(t, reg.Register(spawn.NewService(sessions, spawn.DefaultTimeouts())))
	require.NoError(t, reg.Register(gamesMod))
	require.NoError(t, reg.Register(accessMod))
	require.NoError(t, reg.ResolveAndInitialize(&registry.Context{Router: router, Broker: broker}))

	return &accessStack{sessions: sessions, games: gamesMod, access: accessMod, router: router}
}

// fakeGameServer is a piped peer that answers grant requests the way a real
// game server does: mint a token, echo its public address.
type fakeGameServer struct {
	peer *channel.Peer
	id   int32

	// gate, when non-nil, delays grant responses until it is closed.
	gate chan struct{}

	mu     sync.Mutex
	grants []protocol.GrantRequestPacket
}

func (fs *fakeGameServer) grantCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.grants)
}

func newFakeGameServer(t *testing.T, stack *accessStack, reg protocol.RegisterGameServerPacket) *fakeGameServer {
	t.Helper()
	fs := &fakeGameServer{}
	r := channel.NewRouter()
	require.NoError(t, r.Handle(protocol.OpAccessRequest, func(p *channel.Peer, msg *protocol.Message) {
		var pkt protocol.GrantRequestPacket
		if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
			_ = p.RespondError(msg, err)
			return
		}
		fs.mu.Lock()
		fs.grants = append(fs.grants, pkt)
		fs.mu.Unlock()
		if fs.gate != nil {
			<-fs.gate
		}
		_ = p.RespondOK(msg, &protocol.GameAccessPacket{
			Token:     uuid.NewString(),
			Address:   reg.Address,
			GameID:    fs.id,
			SceneName: "arena",
		})
	}))

	peer, _ := channel.NewPipe(r, stack.router)
	t.Cleanup(func() { peer.Close() })
	fs.peer = peer

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var info protocol.GameInfoPacket
	require.NoError(t, peer.Call(ctx, protocol.OpRegisterGameServer, &reg, &info))
	fs.id = info.GameID
	return fs
}

func (fs *fakeGameServer) open(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fs.peer.Call(ctx, protocol.OpGameServerOpen, nil, nil))
}

// playerSession attaches a logged-in session on a fresh pipe and returns it
// with the client-side peer.
func playerSession(t *testing.T, stack *accessStack, username string) (*session.Session, *channel.Peer) {
	t.Helper()
	client, master := channel.NewPipe(channel.NewRouter(), stack.router)
	t.Cleanup(func() { client.Close() })
	sess, err := stack.sessions.Attach(master, types.Identity{Username: username})
	require.NoError(t, err)
	return sess, client
}

func TestRequestAccessUnknownGame(t *testing.T) {
	stack := startAccessStack(t)
	sess, _ := playerSession(t, stack, "ada")

	_, err := stack.access.RequestAccess(sess, 42, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestRequestAccessServerNotOpen(t *testing.T) {
	stack := startAccessStack(t)
	fs := newFakeGameServer(t, stack, protocol.RegisterGameServerPacket{
		Name: "arena", Address: "10.0.0.5:7777", MaxPlayers: 8,
	})
	sess, _ := playerSession(t, stack, "ada")

	_, err := stack.access.RequestAccess(sess, fs.id, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRemoteFailure))
	assert.Zero(t, fs.grantCount())
}

func TestRequestAccessServerFull(t *testing.T) {
	stack := startAccessStack(t)
	fs := newFakeGameServer(t, stack, protocol.RegisterGameServerPacket{
		Name: "arena", Address: "10.0.0.5:7777", MaxPlayers: 1,
	})
	fs.open(t)
	sess, _ := playerSession(t, stack, "ada")

	// Player-joined notifications arrive asynchronously.
	require.NoError(t, fs.peer.Notify(protocol.OpPlayerJoined, nil))
	require.Eventually(t, func() bool {
		_, err := stack.access.RequestAccess(sess, fs.id, "")
		return errors.Is(err, protocol.ErrCapacity)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fs.peer.Notify(protocol.OpPlayerLeft, nil))
	require.Eventually(t, func() bool {
		_, err := stack.access.RequestAccess(sess, fs.id, "")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestAccessPassword(t *testing.T) {
	stack := startAccessStack(t)
	fs := newFakeGameServer(t, stack, protocol.RegisterGameServerPacket{
		Name: "arena", Address: "10.0.0.5:7777", MaxPlayers: 8, Password: "hunter2",
	})
	fs.open(t)
	sess, _ := playerSession(t, stack, "ada")

	_, err := stack.access.RequestAccess(sess, fs.id, "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrUnauthorized))
	assert.Zero(t, fs.grantCount())

	grant, err := stack.access.RequestAccess(sess, fs.id, "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)
}

func TestAccessRequestOverChannel(t *testing.T) {
	stack := startAccessStack(t)
	fs := newFakeGameServer(t, stack, protocol.RegisterGameServerPacket{
		Name: "arena", Address: "10.0.0.5:7777", MaxPlayers: 8,
	})
	fs.open(t)
	sess, client := playerSession(t, stack, "ada")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var grant protocol.GameAccessPacket
	require.NoError(t, client.Call(ctx, protocol.OpAccessRequest, &protocol.AccessRequestPacket{
		GameID: fs.id,
	}, &grant))
	assert.NotEmpty(t, grant.Token)
	assert.Equal(t, "10.0.0.5:7777", grant.Address)
	assert.Equal(t, fs.id, grant.GameID)

	// The game server saw who is coming.
	require.Equal(t, 1, fs.grantCount())
	assert.Equal(t, "ada", fs.grants[0].Username)

	// The grant is parked on the session for reconnect handling.
	held, err := session.PropertyAs[*protocol.GameAccessPacket](sess, session.KeyPendingGrant)
	require.NoError(t, err)
	assert.Equal(t, grant.Token, held.Token)
}

func TestAccessRequestRequiresSession(t *testing.T) {
	stack := startAccessStack(t)
	fs := newFakeGameServer(t, stack, protocol.RegisterGameServerPacket{
		Name: "arena", Address: "10.0.0.5:7777", MaxPlayers: 8,
	})
	fs.open(t)

	client, _ := channel.NewPipe(channel.NewRouter(), stack.router)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Call(ctx, protocol.OpAccessRequest, &protocol.AccessRequestPacket{GameID: fs.id}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrUnauthorized))
}

func TestDuplicateRequestsShareOneGrant(t *testing.T) {
	stack := startAccessStack(t)
	fs := newFakeGameServer(t, stack, protocol.RegisterGameServerPacket{
		Name: "arena", Address: "10.0.0.5:7777", MaxPlayers: 8,
	})
	fs.gate = make(chan struct{})
	fs.open(t)
	sess, _ := playerSession(t, stack, "ada")

	type result struct {
		grant *protocol.GameAccessPacket
		err   error
	}
	results := make(chan result, 2)
	go func() {
		g, err := stack.access.RequestAccess(sess, fs.id, "")
		results <- result{g, err}
	}()

	// Wait for the first request to reach the game server, then pile a
	// second one on while it is in flight.
	require.Eventually(t, func() bool { return fs.grantCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	go func() {
		g, err := stack.access.RequestAccess(sess, fs.id, "")
		results <- result{g, err}
	}()

	time.Sleep(50 * time.Millisecond)
	close(fs.gate)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.grant.Token, b.grant.Token)
	assert.Equal(t, 1, fs.grantCount())
}
