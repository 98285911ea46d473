/*
Package gameserver is the process shell a game server runs inside: the
control channel to the master and the admission side of the access
handshake.

On startup the shell registers with the master (echoing its spawn id when it
was provisioned by a spawner), then signals Open once the embedding game has
finished loading. Until Open, the master keeps the server out of listings
and join queries.

When the master brokers access for a client, the shell mints a single-use
token bound to that client's username and holds it in a pending-grants
table. The token dies on its TTL or on its one redemption, whichever comes
first; a second redemption fails with an authorization error and the client
is disconnected. Player join/leave is reported to the master so its record
tracks occupancy.

Gameplay itself is out of scope here — embedders hang their own opcodes off
ClientRouter next to the admission handler.
*/
package gameserver
