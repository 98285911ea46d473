/*
Package types defines the domain records shared across Bastion processes:
identities, accounts, game-server and spawner records, and the spawn and
lobby state enumerations.

Records here are plain data. The registries that own them (pkg/games,
pkg/spawn, pkg/lobby, pkg/session) enforce mutation discipline; nothing in
this package is concurrency-safe on its own.
*/
package types
