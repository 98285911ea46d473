package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/storage"
	"github.com/bastionmp/bastion/pkg/types"
)

// Credentials is a login or registration attempt.
type Credentials struct {
	Username string
	Password string
	Guest    bool
}

// Authenticator resolves credentials to an identity. The store-backed
// implementation is the shipped backend; tests substitute their own.
type Authenticator interface {
	Authenticate(creds Credentials) (types.Identity, error)
	CreateAccount(creds Credentials) error
}

// StoreAuthenticator authenticates against the account table with bcrypt
// password hashes.
type StoreAuthenticator struct {
	store storage.Store
}

// NewStoreAuthenticator returns an authenticator backed by the given store.
func NewStoreAuthenticator(store storage.Store) *StoreAuthenticator {
	return &StoreAuthenticator{store: store}
}

// Authenticate checks credentials. Guest credentials always succeed with a
// fabricated identity; account credentials must match a stored bcrypt hash.
func (a *StoreAuthenticator) Authenticate(creds Credentials) (types.Identity, error) {
	if creds.Guest {
		name := creds.Username
		if name == "" {
			name = "guest"
		}
		// Suffix keeps concurrent guest names unique without a counter table.
		return types.Identity{
			Username: fmt.Sprintf("%s-%s", name, uuid.NewString()[:8]),
			Guest:    true,
		}, nil
	}

	account, err := a.store.GetAccount(creds.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.Identity{}, fmt.Errorf("%w: unknown user or bad password", protocol.ErrUnauthorized)
		}
		return types.Identity{}, err
	}
	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(creds.Password)); err != nil {
		return types.Identity{}, fmt.Errorf("%w: unknown user or bad password", protocol.ErrUnauthorized)
	}
	return types.Identity{Username: account.Username}, nil
}

// CreateAccount registers a new username with a bcrypt-hashed password.
func (a *StoreAuthenticator) CreateAccount(creds Credentials) error {
	username := strings.TrimSpace(creds.Username)
	if username == "" || creds.Password == "" {
		return fmt.Errorf("%w: username and password are required", protocol.ErrProtocol)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	err = a.store.CreateAccount(&types.Account{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrExists) {
			return fmt.Errorf("%w: username %q is taken", protocol.ErrUnauthorized, username)
		}
		return err
	}
	return nil
}
