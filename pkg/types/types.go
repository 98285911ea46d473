package types

import "time"

// Identity is the authenticated (or guest) principal behind a session.
type Identity struct {
	Username string
	Guest    bool
}

// Account is a persisted user record. PasswordHash is a bcrypt hash;
// plaintext never touches storage.
type Account struct {
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// GameServer is the master's record of one game-server process. The record
// is owned by the games registry; other modules interact with it only
// through that registry's surface.
type GameServer struct {
	ID           int32
	SpawnID      string
	Name         string
	Address      string
	Open         bool
	Password     string
	MaxPlayers   int32
	PlayerCount  int32
	Properties   map[string]string
	RegisteredAt time.Time
}

// Full reports whether the server cannot admit another player.
func (g *GameServer) Full() bool {
	return g.MaxPlayers > 0 && g.PlayerCount >= g.MaxPlayers
}

// Spawner is the master's record of one registered spawner process.
type Spawner struct {
	ID           string
	Region       string
	MaxProcesses int32
	Running      int32
	Properties   map[string]string
	RegisteredAt time.Time
}

// FreeSlots returns the remaining launch capacity.
func (s *Spawner) FreeSlots() int32 {
	if s.MaxProcesses <= 0 {
		return 0
	}
	free := s.MaxProcesses - s.Running
	if free < 0 {
		return 0
	}
	return free
}

// SpawnStatus is the spawn request state machine. Ordinary progress moves
// strictly forward through Queued..Open; Aborted and Error are terminal and
// reachable from any non-terminal state.
type SpawnStatus uint8

const (
	SpawnQueued SpawnStatus = iota
	SpawnRequested
	SpawnStarted
	SpawnRegistered
	SpawnOpen
	SpawnAborted
	SpawnError
)

// String returns the status name.
func (s SpawnStatus) String() string {
	switch s {
	case SpawnQueued:
		return "queued"
	case SpawnRequested:
		return "requested"
	case SpawnStarted:
		return "started"
	case SpawnRegistered:
		return "registered"
	case SpawnOpen:
		return "open"
	case SpawnAborted:
		return "aborted"
	case SpawnError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s SpawnStatus) Terminal() bool {
	return s == SpawnOpen || s == SpawnAborted || s == SpawnError
}

// LobbyState is the lobby lifecycle.
type LobbyState uint8

const (
	LobbyPreparation LobbyState = iota
	LobbyGameInProgress
	LobbyClosed
)

// String returns the state name.
func (s LobbyState) String() string {
	switch s {
	case LobbyPreparation:
		return "preparation"
	case LobbyGameInProgress:
		return "game_in_progress"
	case LobbyClosed:
		return "closed"
	default:
		return "unknown"
	}
}
