/*
Package channel implements Bastion's message channel: opcode-routed delivery
of protocol frames between two endpoints with request/response correlation
and per-request timeouts.

# Architecture

	┌────────────────────── MESSAGE CHANNEL ────────────────────┐
	│                                                            │
	│  ┌──────────────┐   frames    ┌──────────────┐            │
	│  │  Transport   │◄───────────►│  Transport   │            │
	│  │ (ws / pipe)  │             │ (ws / pipe)  │            │
	│  └──────┬───────┘             └──────┬───────┘            │
	│         │ read pump (1 goroutine/conn)│                   │
	│  ┌──────▼───────┐             ┌──────▼───────┐            │
	│  │     Peer     │             │     Peer     │            │
	│  │  - pending   │             │  - pending   │            │
	│  │    futures   │             │    futures   │            │
	│  │  - Deliver   │             │  - Deliver   │            │
	│  └──────┬───────┘             └──────┬───────┘            │
	│         │                            │                    │
	│  ┌──────▼───────┐             ┌──────▼───────┐            │
	│  │    Router    │             │    Router    │            │
	│  │ op → Handler │             │ op → Handler │            │
	│  └──────────────┘             └──────────────┘            │
	└────────────────────────────────────────────────────────────┘

# Concurrency Model

Each connection has exactly one read pump goroutine, so handler invocation
for a given peer is strictly sequential; handlers for different peers run
concurrently. A handler that needs a remote round trip calls Peer.Request or
Peer.Call, which parks only that logical operation on a future keyed by
correlation id. The response, delivered by the remote peer's read pump,
resolves the future regardless of what else interleaved on the connection.

Timeouts come from the caller's context. On expiry the pending future is
forgotten; a response that arrives later is dropped with a debug log, and
peers whose success carried a resource to tear down handle that at the
protocol layer (see pkg/spawn and pkg/access).

# Transports

Two transports ship: a gorilla/websocket transport with a per-connection
write mutex and ping/pong liveness, and an in-process pipe that still runs
frames through the encoder so tests exercise the wire path.

# Integration Points

  - pkg/registry: module initialization registers routes on the Router
  - pkg/master, pkg/gameserver: accept peers via Server / dial via Dial
  - pkg/session: maps peers to sessions via Peer.OnClose
*/
package channel
