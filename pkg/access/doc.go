/*
Package access implements the master side of the three-party access
handshake.

A client asks the master to join a game by id. The master validates the
request against the games registry — unknown id, not yet open, full, or a
password mismatch each fail with the matching taxonomy error — then forwards
an internal access request to the target server's control channel and waits,
bounded by a timeout, for the server to mint a single-use token. The token
plus the server's address flow back to the client, which redeems them
directly against the game server (pkg/gameserver owns the redemption side
and the exactly-once consumption rule).

Duplicate requests from one session while a round trip is in flight share
the outstanding result rather than minting a second grant; a grant issued
later supersedes the session's earlier one.
*/
package access
