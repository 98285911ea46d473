/*
Package storage persists the master's durable state: user accounts and
authoritative profile blobs.

The Store interface keeps persistence behind a narrow surface so the core
never sees BoltDB directly. The BoltDB implementation stores JSON-marshalled
accounts and opaque profile bytes in two buckets of a single database file
under the master's data directory; MemStore mirrors the semantics in memory
for tests.

Everything transient (sessions, game-server records, spawn requests, grants,
lobbies) deliberately lives outside this package — that state must die with
the process or the operation that created it.
*/
package storage
