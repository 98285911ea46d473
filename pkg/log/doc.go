/*
Package log provides structured logging for Bastion using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("Master started")
	log.Error("Failed to bind listener")

Structured logging:

	log.Logger.Info().
		Str("spawn_id", req.ID).
		Str("spawner_id", spawnerID).
		Msg("Spawn order dispatched")

Component loggers:

	accessLog := log.WithComponent("access")
	accessLog.Warn().Int32("game_id", id).Msg("Join rejected: server not open")

Context helpers exist for the identifiers that recur across the codebase:
WithSessionID, WithSpawnID, WithLobbyID and WithGameID each return a child
logger carrying the corresponding field.

# Integration Points

This package integrates with:

  - pkg/master: logs module initialization and listener lifecycle
  - pkg/spawn: logs spawn state transitions and spawner capacity
  - pkg/access: logs grant issuance, redemption and expiry
  - pkg/lobby: logs membership and state changes
  - pkg/gameserver: logs registration and token admission
*/
package log
