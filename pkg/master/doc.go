// Package master composes the orchestration process: the BoltDB store,
// the event broker, the session registry and the six modules (auth, spawn,
// games, access, lobby, profile) resolved through the module registry,
// fronted by the WebSocket listener and the Prometheus endpoint.
//
// Construction is fail-fast: an unsatisfiable module dependency graph or
// an unopenable store aborts New before any listener binds.
package master
