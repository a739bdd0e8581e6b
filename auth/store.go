package auth

import (
	"context"
	"slices"
	"sync"
)

// TokenStore persists the client identity and current token set for one
// logical client. Implementations must make each operation atomic so
// overlapping registration and refresh never observe partial writes.
type TokenStore interface {
	// Credentials returns the stored client identity, or nil when absent.
	Credentials(ctx context.Context) (*ClientCredentials, error)
	// SetCredentials stores the client identity.
	SetCredentials(ctx context.Context, creds ClientCredentials) error
	// Tokens returns the current token set, or nil when absent.
	Tokens(ctx context.Context) (*TokenSet, error)
	// SetTokens replaces the current token set.
	SetTokens(ctx context.Context, tokens TokenSet) error
	// ClearTokens removes the current token set, keeping credentials.
	ClearTokens(ctx context.Context) error
}

// CredentialsClearer is an optional TokenStore capability used when the
// server rejects the client identity outright and a fresh registration is
// required. Stores that cannot forget credentials simply keep them.
type CredentialsClearer interface {
	ClearCredentials(ctx context.Context) error
}

// InMemoryTokenStore is the reference TokenStore. Values live in process
// memory and are copied in and out, so callers never alias store state.
// Safe for concurrent use.
type InMemoryTokenStore struct {
	mu          sync.RWMutex
	credentials *ClientCredentials
	tokens      *TokenSet
}

var (
	_ TokenStore         = (*InMemoryTokenStore)(nil)
	_ CredentialsClearer = (*InMemoryTokenStore)(nil)
)

// NewInMemoryTokenStore returns an empty store.
func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{}
}

// NewInMemoryTokenStoreWithCredentials returns a store pre-seeded with an
// already registered client, so the provider skips dynamic registration.
func NewInMemoryTokenStoreWithCredentials(creds ClientCredentials) *InMemoryTokenStore {
	seeded := cloneCredentials(creds)
	return &InMemoryTokenStore{credentials: &seeded}
}

// Credentials returns a copy of the stored client identity, or nil.
func (s *InMemoryTokenStore) Credentials(ctx context.Context) (*ClientCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.credentials == nil {
		return nil, nil
	}
	out := cloneCredentials(*s.credentials)
	return &out, nil
}

// SetCredentials stores the client identity.
func (s *InMemoryTokenStore) SetCredentials(ctx context.Context, creds ClientCredentials) error {
	stored := cloneCredentials(creds)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = &stored
	return nil
}

// ClearCredentials forgets the client identity.
func (s *InMemoryTokenStore) ClearCredentials(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = nil
	return nil
}

// Tokens returns a copy of the current token set, or nil.
func (s *InMemoryTokenStore) Tokens(ctx context.Context) (*TokenSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return nil, nil
	}
	out := *s.tokens
	return &out, nil
}

// SetTokens replaces the current token set.
func (s *InMemoryTokenStore) SetTokens(ctx context.Context, tokens TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = &tokens
	return nil
}

// ClearTokens removes the current token set.
func (s *InMemoryTokenStore) ClearTokens(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	return nil
}

func cloneCredentials(c ClientCredentials) ClientCredentials {
	out := c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	return out
}
