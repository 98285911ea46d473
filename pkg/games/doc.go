/*
Package games owns the master's game-server table.

A record is created when a game-server process registers on its control
channel, flipped open when the process signals readiness, updated on player
join/leave notifications, and removed when the connection drops. Spawned
processes must present the spawn id they were launched with; the spawn
module vouches for it before the registration is trusted.

Only this module mutates the table. The access and lobby modules read
records through Find, and clients see only open, non-full servers through
the games-list query.
*/
package games
