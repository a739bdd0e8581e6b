// Package auth implements the OAuth 2.0 client side of authorizing a
// process against remote servers: optional dynamic client registration
// (RFC 7591), browser-mediated authorization with PKCE (RFC 7636),
// code-for-token exchange, and unattended refresh (RFC 6749).
//
// Provider is the entry point and owns the flow state machine. Token
// persistence is pluggable through TokenStore; the interactive step is
// pluggable through AuthorizationHandler, with LocalCallbackListener as
// the reference implementation for desktop use.
package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"
)

// Grant and response types used by the authorization code flow.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// Client authentication methods at the token endpoint.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// FetchFunc issues a single HTTP request. Flow and discovery requests go
// through it so callers can inject custom transports; nil means
// http.DefaultClient.
type FetchFunc func(req *http.Request) (*http.Response, error)

// ClientMetadata describes this client for RFC 7591 dynamic registration
// and for building authorization requests. Treat a constructed value as
// immutable.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`                        // Absolute callback URIs, at least one
	ClientName              string   `json:"client_name,omitempty"`                // Human readable client name
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"` // Requested client auth method at the token endpoint
	GrantTypes              []string `json:"grant_types,omitempty"`                // Subset of authorization_code and refresh_token
	ResponseTypes           []string `json:"response_types,omitempty"`             // Must include code when set
	Scope                   string   `json:"scope,omitempty"`                      // Default requested scopes as space separated string
	ClientURI               string   `json:"client_uri,omitempty"`                 // Client homepage URL
	LogoURI                 string   `json:"logo_uri,omitempty"`                   // Client logo URL
	TosURI                  string   `json:"tos_uri,omitempty"`                    // Terms of service URL
	PolicyURI               string   `json:"policy_uri,omitempty"`                 // Privacy policy URL
	Contacts                []string `json:"contacts,omitempty"`                   // Admin contact emails
}

// Validate checks the structural requirements: at least one absolute
// redirect URI, grant types limited to the authorization code family, and
// response types that include "code".
func (m ClientMetadata) Validate() error {
	if len(m.RedirectURIs) == 0 {
		return &ConfigurationError{Reason: "client metadata requires at least one redirect URI"}
	}
	for _, raw := range m.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return &ConfigurationError{Reason: fmt.Sprintf("invalid redirect URI %q", raw), Cause: err}
		}
		if !u.IsAbs() || u.Host == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("redirect URI %q must be absolute with a host", raw)}
		}
	}
	for _, gt := range m.GrantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return &ConfigurationError{Reason: fmt.Sprintf("unsupported grant type %q", gt)}
		}
	}
	if len(m.ResponseTypes) > 0 && !slices.Contains(m.ResponseTypes, ResponseTypeCode) {
		return &ConfigurationError{Reason: `response types must include "code"`}
	}
	return nil
}

// normalized returns a copy with grant and response type defaults filled
// in for registration requests.
func (m ClientMetadata) normalized() ClientMetadata {
	out := m
	if len(out.GrantTypes) == 0 {
		out.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if len(out.ResponseTypes) == 0 {
		out.ResponseTypes = []string{ResponseTypeCode}
	}
	return out
}

// ClientCredentials is the client identity issued by dynamic registration
// (RFC 7591 response) or supplied out of band. A TokenStore holds at most
// one value, written once per registration.
type ClientCredentials struct {
	ClientID              string   `json:"client_id"`                          // Issued client identifier
	ClientSecret          string   `json:"client_secret,omitempty"`            // Issued client secret, empty for public clients
	RedirectURIs          []string `json:"redirect_uris,omitempty"`            // Redirect URIs echoed by the server
	ClientIDIssuedAt      int64    `json:"client_id_issued_at,omitempty"`      // Issue time, seconds since epoch
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at,omitempty"` // Secret expiry, seconds since epoch, zero for never
}

// TokenSet is one issued token response plus the receipt time used for
// expiry math. Each exchange or refresh supersedes the whole value; fields
// are never mutated individually.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`            // Access token, required
	TokenType    string    `json:"token_type"`              // Token type, typically Bearer
	RefreshToken string    `json:"refresh_token,omitempty"` // Refresh token when offline access was granted
	ExpiresIn    int64     `json:"expires_in,omitempty"`    // Lifetime in seconds relative to IssuedAt, zero for no expiry
	Scope        string    `json:"scope,omitempty"`         // Granted scopes as space separated string
	IssuedAt     time.Time `json:"issued_at"`               // Local receipt time, stamped by the flow
}

// ExpiresAt returns the absolute expiry, or the zero time when the set
// does not expire.
func (t TokenSet) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the set is past expiry or within the given
// safety margin of it. Sets without expiry never report expired.
func (t TokenSet) Expired(margin time.Duration) bool {
	expiresAt := t.ExpiresAt()
	if expiresAt.IsZero() {
		return false
	}
	return !expiresAt.After(time.Now().Add(margin))
}

// ServerMetadata is the authorization server configuration, discovered via
// RFC 8414 or OpenID Connect Discovery (the fields below are common to
// both documents) or assembled from the default endpoint layout.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`                                          // Issuer identifier
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`                          // Authorization endpoint URL
	TokenEndpoint                     string   `json:"token_endpoint"`                                  // Token endpoint URL
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`                 // Dynamic client registration endpoint
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`                      // Supported scopes
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`              // Supported response types
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`                 // Supported grant types
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"` // Supported client auth methods
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`      // Supported PKCE methods
}

// ProtectedResourceMetadata is the RFC 9728 document a resource server
// publishes to point clients at its authorization servers.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`                           // Resource identifier URI
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`    // Authorization server issuers
	ScopesSupported        []string `json:"scopes_supported,omitempty"`         // Supported scopes
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"` // Supported bearer presentation methods
	ResourceName           string   `json:"resource_name,omitempty"`            // Human friendly resource name
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`   // Documentation URL
}
