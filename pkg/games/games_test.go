package games

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionmp/bastion/pkg/auth"
	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/registry"
	"github.com/bastionmp/bastion/pkg/session"
	"github.com/bastionmp/bastion/pkg/spawn"
	"github.com/bastionmp/bastion/pkg/storage"
)

func startGamesStack(t *testing.T) (*Module, *channel.Router) {
	t.Helper()
	sessions := session.NewRegistry()
	router := channel.NewRouter()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	mod := NewModule()
	reg := registry.New()
	require.NoError(t, reg.Register(auth.NewModule(auth.NewStoreAuthenticator(storage.NewMemStore()), sessions)))
	require.NoError(t, reg.Register(spawn.NewService(sessions, spawn.DefaultTimeouts())))
	require.NoError(t, reg.Register(mod))
	require.NoError(t, reg.ResolveAndInitialize(&registry.Context{Router: router, Broker: broker}))
	return mod, router
}

func registerServer(t *testing.T, router *channel.Router, pkt protocol.RegisterGameServerPacket) (*channel.Peer, int32) {
	t.Helper()
	peer, _ := channel.NewPipe(channel.NewRouter(), router)
	t.Cleanup(func() { peer.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var info protocol.GameInfoPacket
	require.NoError(t, peer.Call(ctx, protocol.OpRegisterGameServer, &pkt, &info))
	return peer, info.GameID
}

func listGames(t *testing.T, router *channel.Router) protocol.GamesListPacket {
	t.Helper()
	peer, _ := channel.NewPipe(channel.NewRouter(), router)
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var list protocol.GamesListPacket
	require.NoError(t, peer.Call(ctx, protocol.OpGamesList, nil, &list))
	return list
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	mod, router := startGamesStack(t)

	_, id1 := registerServer(t, router, protocol.RegisterGameServerPacket{Name: "a", Address: "10.0.0.1:7777", MaxPlayers: 4})
	_, id2 := registerServer(t, router, protocol.RegisterGameServerPacket{Name: "b", Address: "10.0.0.2:7777", MaxPlayers: 4})
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, mod.Count())

	rec, ok := mod.Find(id1)
	require.True(t, ok)
	assert.Equal(t, "a", rec.Server.Name)

	byPeer, ok := mod.FindByPeer(rec.Peer)
	require.True(t, ok)
	assert.Equal(t, id1, byPeer.Server.ID)
}

func TestSecondRegistrationOnSameConnectionRejected(t *testing.T) {
	_, router := startGamesStack(t)
	peer, _ := registerServer(t, router, protocol.RegisterGameServerPacket{Name: "a", Address: "10.0.0.1:7777", MaxPlayers: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := peer.Call(ctx, protocol.OpRegisterGameServer, &protocol.RegisterGameServerPacket{Name: "b", Address: "10.0.0.1:7778", MaxPlayers: 4}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrProtocol))
}

func TestRegisterWithUnknownSpawnIDRejected(t *testing.T) {
	mod, router := startGamesStack(t)

	peer, _ := channel.NewPipe(channel.NewRouter(), router)
	defer peer.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := peer.Call(ctx, protocol.OpRegisterGameServer, &protocol.RegisterGameServerPacket{
		SpawnID: "bogus", Name: "a", Address: "10.0.0.1:7777", MaxPlayers: 4,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, mod.Count())
}

func TestListShowsOnlyOpenNonFullServers(t *testing.T) {
	_, router := startGamesStack(t)

	openPeer, openID := registerServer(t, router, protocol.RegisterGameServerPacket{Name: "open", Address: "10.0.0.1:7777", MaxPlayers: 4})
	registerServer(t, router, protocol.RegisterGameServerPacket{Name: "closed", Address: "10.0.0.2:7777", MaxPlayers: 4})
	fullPeer, _ := registerServer(t, router, protocol.RegisterGameServerPacket{Name: "full", Address: "10.0.0.3:7777", MaxPlayers: 1, Password: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, openPeer.Call(ctx, protocol.OpGameServerOpen, nil, nil))
	require.NoError(t, fullPeer.Call(ctx, protocol.OpGameServerOpen, nil, nil))
	require.NoError(t, fullPeer.Notify(protocol.OpPlayerJoined, nil))

	require.Eventually(t, func() bool {
		list := listGames(t, router)
		return len(list.Games) == 1 && list.Games[0].GameID == openID
	}, 2*time.Second, 10*time.Millisecond)

	// A leaving player makes the full server visible again.
	require.NoError(t, fullPeer.Notify(protocol.OpPlayerLeft, nil))
	require.Eventually(t, func() bool {
		return len(listGames(t, router).Games) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, g := range listGames(t, router).Games {
		if g.Name == "full" {
			assert.True(t, g.PasswordProtected)
			assert.Empty(t, g.Properties["password"])
		}
	}
}

func TestPlayerCountNeverNegative(t *testing.T) {
	mod, router := startGamesStack(t)
	peer, id := registerServer(t, router, protocol.RegisterGameServerPacket{Name: "a", Address: "10.0.0.1:7777", MaxPlayers: 4})

	require.NoError(t, peer.Notify(protocol.OpPlayerLeft, nil))
	require.NoError(t, peer.Notify(protocol.OpPlayerJoined, nil))

	require.Eventually(t, func() bool {
		rec, ok := mod.Find(id)
		return ok && rec.Server.PlayerCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectRemovesServer(t *testing.T) {
	mod, router := startGamesStack(t)
	peer, id := registerServer(t, router, protocol.RegisterGameServerPacket{Name: "a", Address: "10.0.0.1:7777", MaxPlayers: 4})

	peer.Close()
	require.Eventually(t, func() bool {
		_, ok := mod.Find(id)
		return !ok && mod.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
