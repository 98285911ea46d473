// Package metrics exposes Prometheus metrics for the master process.
//
// All metrics are registered on the default registry at package init and
// served through promhttp via Handler. The Collector bridges the master's
// registries and event broker into the metric set: instantaneous counts
// (sessions, game servers, spawners, queue depth, lobbies) are polled on a
// 15 second ticker through the Sources callbacks, while monotonic counters
// (logins, issued grants, finished spawns, started lobbies) are fed from
// broker events as they happen.
package metrics
