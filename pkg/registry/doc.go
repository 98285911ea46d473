/*
Package registry composes the server-side modules of one Bastion process.

Each module declares the modules it depends on. ResolveAndInitialize runs a
fixed-point scan: any module whose dependencies are all initialized is
initialized in turn, with the shared Context exposing dependency lookup and
opcode registration. When the scan stops making progress, anything left over
means a missing dependency or a cycle and startup fails with *ConfigError —
dependency problems are configuration bugs, not runtime conditions.

A module's Init must register its handlers on Context.Router before
returning; the registry advertises a module as ready only after Init
completes, so requests can never reach a half-initialized module.

The master registers auth, games, spawn, access, lobby and profile modules;
spawner and game-server processes run smaller sets through the same
machinery.
*/
package registry
