// Package lobby implements pre-game player grouping on top of the spawn
// and access modules.
//
// A lobby moves through three states:
//
//	Preparation ──▶ GameInProgress ──▶ Closed
//	     └──────────────────────────────▲ (last member leaves)
//
// Members join teams with bounded sizes; the earliest-joined member is the
// lobby master and keeps that role deterministically as members come and
// go. Lobby-wide options are controls with fixed allowed value sets, which
// only the master may change.
//
// Starting a game either claims an already-running game server (the
// "game-id" control) or spawns a fresh one through the spawn module and
// waits for it to open. On success every ready member receives an access
// grant for the new server; on failure the lobby stays in Preparation and
// the error is broadcast.
//
// Every mutation is broadcast to members in join order while the lobby
// lock is held, so all members observe the same sequence of changes.
package lobby
