package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy shared by every Bastion process.
// Handlers wrap these with context via fmt.Errorf("...: %w", err); the edge
// translates them to wire statuses with StatusOf.
var (
	// ErrProtocol covers malformed or unexpected messages and dropped
	// connections.
	ErrProtocol = errors.New("protocol error")

	// ErrUnauthorized covers missing sessions, bad passwords, and invalid,
	// expired or already-consumed tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound covers unknown game, lobby, and spawn identifiers.
	ErrNotFound = errors.New("not found")

	// ErrCapacity covers full spawners, lobbies and teams.
	ErrCapacity = errors.New("no capacity")

	// ErrTimeout covers bounded round-trips that did not complete in time.
	ErrTimeout = errors.New("timed out")

	// ErrRemoteFailure covers failures explicitly reported by a peer, such
	// as a launch crash.
	ErrRemoteFailure = errors.New("remote failure")
)

// StatusOf maps an error to the wire status carried in a response.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrUnauthorized):
		return StatusUnauthorized
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCapacity), errors.Is(err, ErrRemoteFailure):
		return StatusFailed
	default:
		return StatusError
	}
}

// ResponseError is the error form of a non-success acknowledgement, carrying
// the wire status and the human-readable reason from the response payload.
type ResponseError struct {
	Status Status
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("request %s", e.Status)
	}
	return fmt.Sprintf("request %s: %s", e.Status, e.Reason)
}

// Unwrap maps the wire status back onto the sentinel taxonomy so callers can
// use errors.Is across process boundaries.
func (e *ResponseError) Unwrap() error {
	switch e.Status {
	case StatusUnauthorized:
		return ErrUnauthorized
	case StatusTimeout:
		return ErrTimeout
	case StatusFailed:
		return ErrRemoteFailure
	default:
		return ErrProtocol
	}
}
