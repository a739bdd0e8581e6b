package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/rueidis"

	"github.com/grll/mcpadapt/auth"
)

// DefaultRedisPrefix namespaces the store's keys when none is configured.
// Clients of distinct servers need distinct prefixes so their identities
// do not collide.
const DefaultRedisPrefix = "mcpauth:"

const (
	credentialsKeySuffix = "credentials"
	tokensKeySuffix      = "tokens"
)

// RedisStore persists the client identity and token set in Redis.
type RedisStore struct {
	client rueidis.Client
	prefix string
}

var (
	_ auth.TokenStore         = (*RedisStore)(nil)
	_ auth.CredentialsClearer = (*RedisStore)(nil)
)

// NewRedisStore wraps an existing rueidis client. An empty prefix
// defaults to DefaultRedisPrefix.
func NewRedisStore(client rueidis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// RedisOptions configures a store-owned Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStoreFromOptions dials Redis and returns a store over the new
// connection. Close releases it.
func NewRedisStoreFromOptions(opts RedisOptions) (*RedisStore, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{opts.Addr},
		Password:    opts.Password,
		SelectDB:    opts.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("creating redis client: %w", err)
	}
	return NewRedisStore(client, opts.KeyPrefix), nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	s.client.Close()
	return nil
}

func (s *RedisStore) get(ctx context.Context, suffix string, out any) (bool, error) {
	cmd := s.client.B().Get().Key(s.prefix + suffix).Build()
	raw, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) set(ctx context.Context, suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(s.prefix + suffix).Value(string(data)).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *RedisStore) del(ctx context.Context, suffix string) error {
	cmd := s.client.B().Del().Key(s.prefix + suffix).Build()
	return s.client.Do(ctx, cmd).Error()
}

// Credentials returns the stored client identity, or nil when absent.
func (s *RedisStore) Credentials(ctx context.Context) (*auth.ClientCredentials, error) {
	var creds auth.ClientCredentials
	ok, err := s.get(ctx, credentialsKeySuffix, &creds)
	if err != nil {
		return nil, fmt.Errorf("reading client credentials: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &creds, nil
}

// SetCredentials stores the client identity.
func (s *RedisStore) SetCredentials(ctx context.Context, creds auth.ClientCredentials) error {
	if err := s.set(ctx, credentialsKeySuffix, creds); err != nil {
		return fmt.Errorf("writing client credentials: %w", err)
	}
	return nil
}

// ClearCredentials forgets the client identity.
func (s *RedisStore) ClearCredentials(ctx context.Context) error {
	if err := s.del(ctx, credentialsKeySuffix); err != nil {
		return fmt.Errorf("clearing client credentials: %w", err)
	}
	return nil
}

// Tokens returns the current token set, or nil when absent.
func (s *RedisStore) Tokens(ctx context.Context) (*auth.TokenSet, error) {
	var tokens auth.TokenSet
	ok, err := s.get(ctx, tokensKeySuffix, &tokens)
	if err != nil {
		return nil, fmt.Errorf("reading token set: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &tokens, nil
}

// SetTokens replaces the current token set.
func (s *RedisStore) SetTokens(ctx context.Context, tokens auth.TokenSet) error {
	if err := s.set(ctx, tokensKeySuffix, tokens); err != nil {
		return fmt.Errorf("writing token set: %w", err)
	}
	return nil
}

// ClearTokens removes the current token set, keeping credentials.
func (s *RedisStore) ClearTokens(ctx context.Context) error {
	if err := s.del(ctx, tokensKeySuffix); err != nil {
		return fmt.Errorf("clearing token set: %w", err)
	}
	return nil
}
