package storage

import (
	"errors"

	"github.com/bastionmp/bastion/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned when creating a record that already exists.
var ErrExists = errors.New("record already exists")

// Store is the persistence surface the core depends on: the account table
// behind authentication and the authoritative profile blobs. Implemented by
// the BoltDB store in production and MemStore in tests.
type Store interface {
	// Accounts
	CreateAccount(account *types.Account) error
	GetAccount(username string) (*types.Account, error)

	// Profiles: opaque serialized property sets keyed by username.
	SaveProfile(username string, data []byte) error
	LoadProfile(username string) ([]byte, error)

	Close() error
}
