// Package tokenstore provides persistent TokenStore backends for the auth
// package: a bbolt file store so a workstation client keeps its identity
// across restarts, and a Redis store so a fleet of workers shares one
// registration. A factory builds whichever backend configuration names.
package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/grll/mcpadapt/auth"
)

const (
	// boltDirPerm is the permission mode for the directory holding the
	// store file.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the store file. Tokens are
	// bearer credentials, so the file stays owner-only.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the file lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	credentialsBucket = []byte("client_credentials")
	tokensBucket      = []byte("token_set")

	// boltKey is the single key inside each bucket; a store file holds
	// one client identity and one grant.
	boltKey = []byte("current")
)

// BoltStore persists the client identity and token set in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

var (
	_ auth.TokenStore         = (*BoltStore)(nil)
	_ auth.CredentialsClearer = (*BoltStore)(nil)
)

// NewBoltStore opens the store file at path, creating it and its parent
// directory when absent.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating token store directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(credentialsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing token store: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Credentials returns the stored client identity, or nil when absent.
func (s *BoltStore) Credentials(ctx context.Context) (*auth.ClientCredentials, error) {
	var creds *auth.ClientCredentials
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credentialsBucket).Get(boltKey)
		if v == nil {
			return nil
		}
		creds = &auth.ClientCredentials{}
		return json.Unmarshal(v, creds)
	})
	if err != nil {
		return nil, fmt.Errorf("reading client credentials: %w", err)
	}
	return creds, nil
}

// SetCredentials stores the client identity.
func (s *BoltStore) SetCredentials(ctx context.Context, creds auth.ClientCredentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding client credentials: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Put(boltKey, data)
	})
	if err != nil {
		return fmt.Errorf("writing client credentials: %w", err)
	}
	return nil
}

// ClearCredentials forgets the client identity.
func (s *BoltStore) ClearCredentials(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete(boltKey)
	})
	if err != nil {
		return fmt.Errorf("clearing client credentials: %w", err)
	}
	return nil
}

// Tokens returns the current token set, or nil when absent.
func (s *BoltStore) Tokens(ctx context.Context) (*auth.TokenSet, error) {
	var tokens *auth.TokenSet
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get(boltKey)
		if v == nil {
			return nil
		}
		tokens = &auth.TokenSet{}
		return json.Unmarshal(v, tokens)
	})
	if err != nil {
		return nil, fmt.Errorf("reading token set: %w", err)
	}
	return tokens, nil
}

// SetTokens replaces the current token set.
func (s *BoltStore) SetTokens(ctx context.Context, tokens auth.TokenSet) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encoding token set: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put(boltKey, data)
	})
	if err != nil {
		return fmt.Errorf("writing token set: %w", err)
	}
	return nil
}

// ClearTokens removes the current token set, keeping credentials.
func (s *BoltStore) ClearTokens(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete(boltKey)
	})
	if err != nil {
		return fmt.Errorf("clearing token set: %w", err)
	}
	return nil
}
