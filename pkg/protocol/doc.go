/*
Package protocol defines Bastion's wire contract: opcodes, response statuses,
the message frame, the compact binary payload codec, and the packet types
exchanged between client, master, spawner and game-server processes.

# Architecture

	┌───────────────────── WIRE CONTRACT ──────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────┐             │
	│  │              Message Frame               │             │
	│  │  op uint16 | status uint8 |              │             │
	│  │  correlation uint32 | len uint32 | body  │             │
	│  └───────────────────┬─────────────────────┘             │
	│                      │                                    │
	│  ┌───────────────────▼─────────────────────┐             │
	│  │             Payload Codec                │             │
	│  │  - big-endian fixed-width integers       │             │
	│  │  - uint16 length-prefixed strings        │             │
	│  │  - sorted, counted string dictionaries   │             │
	│  │  - write order == read order             │             │
	│  └───────────────────┬─────────────────────┘             │
	│                      │                                    │
	│  ┌───────────────────▼─────────────────────┐             │
	│  │              Packet Types                │             │
	│  │  CredentialsPacket, GameAccessPacket,    │             │
	│  │  RegisterGameServerPacket, SpawnOrder,   │             │
	│  │  GamesListPacket, ProfileDeltaPacket ... │             │
	│  └─────────────────────────────────────────┘             │
	└───────────────────────────────────────────────────────────┘

# Correlation

A request carries a correlation id unique within the sender's in-flight
window; the response reuses it, which is how pkg/channel routes an
acknowledgement back to the exact logical operation that issued the request.
Notifications carry correlation id zero and StatusNone.

# Error Taxonomy

The sentinel errors (ErrProtocol, ErrUnauthorized, ErrNotFound, ErrCapacity,
ErrTimeout, ErrRemoteFailure) classify every cross-process failure. StatusOf
maps an error chain to the wire status; ResponseError converts a non-success
acknowledgement back into the same taxonomy on the requesting side, so
errors.Is works identically on both ends of a round trip.

# Usage

Encoding a request payload:

	payload := protocol.Marshal(&protocol.AccessRequestPacket{
		GameID:   42,
		Password: "hunter2",
	})

Decoding:

	var pkt protocol.AccessRequestPacket
	if err := protocol.Unmarshal(msg.Payload, &pkt); err != nil {
		// malformed payload: wraps protocol.ErrProtocol
	}

# Integration Points

  - pkg/channel: frames messages and matches correlation ids
  - pkg/access, pkg/spawn, pkg/lobby, pkg/profile: packet producers/consumers
  - pkg/gameserver: redeems GameAccessPacket tokens via TokenPacket
*/
package protocol
