package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/bastionmp/bastion/pkg/types"
)

var (
	// Bucket names
	bucketAccounts = []byte("accounts")
	bucketProfiles = []byte("profiles")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bastion.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketAccounts, bucketProfiles}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateAccount stores a new account, failing if the username is taken.
func (s *BoltStore) CreateAccount(account *types.Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b.Get([]byte(account.Username)) != nil {
			return fmt.Errorf("account %q: %w", account.Username, ErrExists)
		}
		data, err := json.Marshal(account)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return b.Put([]byte(account.Username), data)
	})
}

// GetAccount loads an account by username.
func (s *BoltStore) GetAccount(username string) (*types.Account, error) {
	var account types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("account %q: %w", username, ErrNotFound)
		}
		return json.Unmarshal(data, &account)
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// SaveProfile stores the serialized profile for a username.
func (s *BoltStore) SaveProfile(username string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).Put([]byte(username), data)
	})
}

// LoadProfile loads the serialized profile for a username.
func (s *BoltStore) LoadProfile(username string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("profile %q: %w", username, ErrNotFound)
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
