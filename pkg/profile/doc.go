// Package profile replicates per-player persistent state between the
// master's authoritative copy and client-side mirrors.
//
// Properties carry a stable integer key, a typed value and a dirty flag
// set by every setter. CollectDirtyUpdates drains the dirty subset and
// clears the flags in one critical section, so concurrent mutations are
// never lost between collections. FillProfileValues serves the full value
// set when a mirror first attaches; after that only dirty deltas travel.
//
// On the master, the module loads a profile on login (factory defaults on
// first sight), accepts deltas pushed by game servers, persists through
// the storage layer and forwards each applied delta to the player's
// connected session. Mirrors apply pushed deltas with Apply and must never
// be treated as authoritative.
package profile
