/*
Package spawn implements on-demand game-server provisioning: the master-side
spawn request lifecycle and spawner registry, and the spawner-side agent
that launches processes.

# State Machine

	Queued ──► Requested ──► Started ──► Registered ──► Open
	   │           │            │            │
	   └───────────┴────────────┴────────────┴──► Aborted / Error

	Queued      waiting for spawner capacity (retried on capacity change)
	Requested   order sent, awaiting spawner acknowledgement
	Started     process launched, pid known
	Registered  process connected to master and matched by spawn id
	Open        process signalled ready; visible to listing and joins

Aborted and Error are terminal and reachable from every non-terminal state.
Each of Queued, Requested, Started and Registered carries its own timeout;
expiry fails the request and releases everything attached to it. Abort is
idempotent: aborting an Open, Aborted or Error request is a no-op.

# Races

An abort can cross an in-flight success. The loser is torn down, never
orphaned: a launch acknowledgement arriving after abort triggers a kill
order, and a registration arriving after abort is rejected so the games
registry never trusts the process.

# Observability

Requests expose Subscribe for status observers with deterministic
invocation order; a subscriber attached after a terminal transition is
invoked immediately with the terminal state. Transitions are also published
on the master's event broker for metrics.

# Spawner Side

Agent dials the master, registers capacity, launches the configured
game-server binary per order (passing --master, --spawn-id and --scene so
the child can register itself), kills processes on request, and reports its
running count after every change. The Launcher interface isolates the
os/exec mechanics.
*/
package spawn
