package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/grll/mcpadapt/auth"
)

// setupRedisStore connects to a local Redis, skipping the test when none
// is running.
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	store, err := NewRedisStoreFromOptions(RedisOptions{
		Addr:      "localhost:6379",
		KeyPrefix: "mcpauth-test:",
	})
	if err != nil {
		t.Skipf("Redis not available, skipping test: %v", err)
	}

	ctx := context.Background()
	ping := store.client.B().Ping().Build()
	if err := store.client.Do(ctx, ping).Error(); err != nil {
		store.Close()
		t.Skipf("Cannot connect to Redis, skipping test: %v", err)
	}

	t.Cleanup(func() {
		_ = store.del(ctx, credentialsKeySuffix)
		_ = store.del(ctx, tokensKeySuffix)
		store.Close()
	})
	return store
}

func TestRedisStoreEmpty(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	creds, err := store.Credentials(ctx)
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if creds != nil {
		t.Errorf("Credentials() = %+v, want nil on an empty store", creds)
	}

	tokens, err := store.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens() error = %v", err)
	}
	if tokens != nil {
		t.Errorf("Tokens() = %+v, want nil on an empty store", tokens)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	if err := store.SetCredentials(ctx, auth.ClientCredentials{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}); err != nil {
		t.Fatalf("SetCredentials() error = %v", err)
	}

	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := store.SetTokens(ctx, auth.TokenSet{
		AccessToken:  "access-1",
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
		IssuedAt:     issued,
	}); err != nil {
		t.Fatalf("SetTokens() error = %v", err)
	}

	creds, err := store.Credentials(ctx)
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if creds == nil || creds.ClientID != "client-1" || creds.ClientSecret != "secret-1" {
		t.Errorf("Credentials() = %+v, want the stored identity", creds)
	}

	tokens, err := store.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens() error = %v", err)
	}
	if tokens == nil || tokens.AccessToken != "access-1" {
		t.Fatalf("Tokens() = %+v, want the stored set", tokens)
	}
	if !tokens.IssuedAt.Equal(issued) {
		t.Errorf("IssuedAt = %v, want %v", tokens.IssuedAt, issued)
	}
}

func TestRedisStoreClear(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	if err := store.SetCredentials(ctx, auth.ClientCredentials{ClientID: "c"}); err != nil {
		t.Fatalf("SetCredentials() error = %v", err)
	}
	if err := store.SetTokens(ctx, auth.TokenSet{AccessToken: "a"}); err != nil {
		t.Fatalf("SetTokens() error = %v", err)
	}

	if err := store.ClearTokens(ctx); err != nil {
		t.Fatalf("ClearTokens() error = %v", err)
	}
	if tokens, _ := store.Tokens(ctx); tokens != nil {
		t.Error("tokens survived ClearTokens")
	}
	if creds, _ := store.Credentials(ctx); creds == nil {
		t.Error("ClearTokens dropped credentials")
	}

	if err := store.ClearCredentials(ctx); err != nil {
		t.Fatalf("ClearCredentials() error = %v", err)
	}
	if creds, _ := store.Credentials(ctx); creds != nil {
		t.Error("credentials survived ClearCredentials")
	}
}
