package auth

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenProvider yields a valid token set, running whatever part of the
// authorization lifecycle is needed first. Provider implements it.
type TokenProvider interface {
	CurrentTokens(ctx context.Context) (*TokenSet, error)
}

var _ TokenProvider = (*Provider)(nil)

// NewTokenSource bridges a TokenProvider into an oauth2.TokenSource so the
// managed tokens plug into transports built on golang.org/x/oauth2, e.g.
// oauth2.NewClient. The context governs every token fetch made through the
// returned source.
func NewTokenSource(ctx context.Context, provider TokenProvider) oauth2.TokenSource {
	return &providerTokenSource{ctx: ctx, provider: provider}
}

type providerTokenSource struct {
	ctx      context.Context
	provider TokenProvider
}

var _ oauth2.TokenSource = (*providerTokenSource)(nil)

func (s *providerTokenSource) Token() (*oauth2.Token, error) {
	tokens, err := s.provider.CurrentTokens(s.ctx)
	if err != nil {
		return nil, err
	}
	tokenType := tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokenType,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.ExpiresAt(),
	}, nil
}
