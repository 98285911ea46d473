package protocol

// OpCode identifies the operation a message addresses. Numeric values are a
// fixed contract between peers; never renumber a released opcode.
type OpCode uint16

const (
	// Client <-> master: authentication
	OpLogin    OpCode = 1
	OpRegister OpCode = 2

	// Client <-> master: game access
	OpAccessRequest OpCode = 10
	OpGamesList     OpCode = 11

	// Spawner / game-server <-> master
	OpRegisterSpawner    OpCode = 20
	OpRegisterGameServer OpCode = 21
	OpSpawnGameServer    OpCode = 22
	OpAbortSpawn         OpCode = 23
	OpSpawnerUpdate      OpCode = 24
	OpKillProcess        OpCode = 25
	OpSpawnStatus        OpCode = 26
	OpGameServerOpen     OpCode = 27
	OpPlayerJoined       OpCode = 28
	OpPlayerLeft         OpCode = 29

	// Client <-> master: lobbies
	OpLobbyCreate            OpCode = 40
	OpLobbyJoin              OpCode = 41
	OpLobbyLeave             OpCode = 42
	OpLobbySetReady          OpCode = 43
	OpLobbyStartGame         OpCode = 44
	OpLobbyPropertySet       OpCode = 45
	OpLobbyMemberPropertySet OpCode = 46
	OpLobbyChatMessage       OpCode = 47
	OpLobbyStateChange       OpCode = 48
	OpLobbyMasterChange      OpCode = 49
	OpLobbyMemberJoined      OpCode = 50
	OpLobbyMemberLeft        OpCode = 51

	// Profile sync
	OpProfileRequest OpCode = 60
	OpProfileUpdate  OpCode = 61

	// Client <-> game-server: token redemption
	OpCheckAccess OpCode = 70
)

// Status is the acknowledgement code carried by responses.
type Status uint8

const (
	StatusNone         Status = 0 // not a response
	StatusSuccess      Status = 1
	StatusFailed       Status = 2
	StatusError        Status = 3
	StatusUnauthorized Status = 4
	StatusTimeout      Status = 5
)

// String returns the wire status name.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusError:
		return "error"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Ok reports whether the status indicates the request succeeded.
func (s Status) Ok() bool {
	return s == StatusSuccess
}
