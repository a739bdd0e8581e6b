package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubTokenProvider struct {
	tokens *TokenSet
	err    error
}

func (s *stubTokenProvider) CurrentTokens(context.Context) (*TokenSet, error) {
	return s.tokens, s.err
}

func TestTokenSourceMapsTokenSet(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := NewTokenSource(context.Background(), &stubTokenProvider{
		tokens: &TokenSet{
			AccessToken:  "access",
			TokenType:    "Bearer",
			RefreshToken: "refresh",
			ExpiresIn:    3600,
			IssuedAt:     issued,
		},
	})

	token, err := source.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.AccessToken != "access" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "access")
	}
	if token.RefreshToken != "refresh" {
		t.Errorf("RefreshToken = %q, want %q", token.RefreshToken, "refresh")
	}
	if want := issued.Add(time.Hour); !token.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", token.Expiry, want)
	}
}

func TestTokenSourceDefaultsTokenType(t *testing.T) {
	source := NewTokenSource(context.Background(), &stubTokenProvider{
		tokens: &TokenSet{AccessToken: "access"},
	})

	token, err := source.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", token.TokenType, "Bearer")
	}
}

func TestTokenSourcePropagatesErrors(t *testing.T) {
	wantErr := &NetworkError{Operation: "token refresh", Cause: errors.New("unreachable")}
	source := NewTokenSource(context.Background(), &stubTokenProvider{err: wantErr})

	if _, err := source.Token(); !IsNetwork(err) {
		t.Errorf("Token() error = %v, want the provider's NetworkError", err)
	}
}
