package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/grll/mcpadapt/internal/pkce"
)

// registerOptions configures dynamic client registration.
type registerOptions struct {
	Metadata *ServerMetadata
	Client   ClientMetadata
	Fetch    FetchFunc
}

// registerClient performs RFC 7591 dynamic registration and returns the
// issued credentials. Endpoint rejections come back as a ServerError; the
// caller decides whether that is structural.
func registerClient(ctx context.Context, opts registerOptions) (*ClientCredentials, error) {
	endpoint := opts.Metadata.RegistrationEndpoint
	if endpoint == "" {
		return nil, &ConfigurationError{Reason: "authorization server does not support dynamic client registration"}
	}

	payload, err := json.Marshal(opts.Client.normalized())
	if err != nil {
		return nil, &ConfigurationError{Reason: "encoding client metadata", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &ConfigurationError{Reason: "building registration request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := doFetch(opts.Fetch, req)
	if err != nil {
		return nil, &NetworkError{Operation: "client registration", URL: endpoint, Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Operation: "client registration", URL: endpoint, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, serverErrorFromBody("client registration", resp.StatusCode, body)
	}

	var creds ClientCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, &ConfigurationError{Reason: "parsing registration response", Cause: err}
	}
	if creds.ClientID == "" {
		return nil, &ConfigurationError{Reason: "registration response missing client_id"}
	}
	return &creds, nil
}

// authorizationURLOptions carries everything needed to build the
// authorization request URL for one attempt.
type authorizationURLOptions struct {
	Metadata    *ServerMetadata
	Credentials ClientCredentials
	RedirectURI string
	State       string
	Challenge   string
	Scope       string
	Resource    *url.URL
}

// buildAuthorizationURL assembles the authorization request after checking
// the server advertises the capabilities the flow depends on.
func buildAuthorizationURL(opts authorizationURLOptions) (*url.URL, error) {
	if !supports(opts.Metadata.ResponseTypesSupported, ResponseTypeCode) {
		return nil, &ConfigurationError{Reason: `authorization server does not support the "code" response type`}
	}
	if !supports(opts.Metadata.CodeChallengeMethodsSupported, pkce.Method) {
		return nil, &ConfigurationError{Reason: "authorization server does not support S256 code challenges"}
	}
	endpoint, err := url.Parse(opts.Metadata.AuthorizationEndpoint)
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid authorization endpoint", Cause: err}
	}

	params := url.Values{}
	params.Set("response_type", ResponseTypeCode)
	params.Set("client_id", opts.Credentials.ClientID)
	params.Set("redirect_uri", opts.RedirectURI)
	params.Set("state", opts.State)
	params.Set("code_challenge", opts.Challenge)
	params.Set("code_challenge_method", pkce.Method)
	if opts.Scope != "" {
		params.Set("scope", opts.Scope)
		// OpenID Connect providers require an explicit consent prompt to
		// issue refresh tokens for offline_access.
		if strings.Contains(opts.Scope, "offline_access") {
			params.Set("prompt", "consent")
		}
	}
	if opts.Resource != nil {
		params.Set("resource", opts.Resource.String())
	}
	endpoint.RawQuery = params.Encode()
	return endpoint, nil
}

// exchangeOptions configures the code-for-token exchange.
type exchangeOptions struct {
	Metadata    *ServerMetadata
	Credentials ClientCredentials
	Code        string
	Verifier    string
	RedirectURI string
	Resource    *url.URL
	Fetch       FetchFunc
}

// exchangeCode trades an authorization code plus PKCE verifier for a token
// set at the token endpoint.
func exchangeCode(ctx context.Context, opts exchangeOptions) (*TokenSet, error) {
	if !supports(opts.Metadata.GrantTypesSupported, GrantTypeAuthorizationCode) {
		return nil, &ConfigurationError{Reason: "authorization server does not support the authorization_code grant"}
	}
	params := url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {opts.Code},
		"redirect_uri":  {opts.RedirectURI},
		"code_verifier": {opts.Verifier},
	}
	return tokenRequest(ctx, "token exchange", opts.Metadata, opts.Credentials, params, opts.Resource, opts.Fetch)
}

// refreshOptions configures the refresh-token exchange.
type refreshOptions struct {
	Metadata     *ServerMetadata
	Credentials  ClientCredentials
	RefreshToken string
	Resource     *url.URL
	Fetch        FetchFunc
}

// refreshTokens trades a refresh token for a new token set. When the
// response omits a refresh token the previous one is carried over, per
// RFC 6749 section 6.
func refreshTokens(ctx context.Context, opts refreshOptions) (*TokenSet, error) {
	if !supports(opts.Metadata.GrantTypesSupported, GrantTypeRefreshToken) {
		return nil, &ConfigurationError{Reason: "authorization server does not support the refresh_token grant"}
	}
	params := url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {opts.RefreshToken},
	}
	tokens, err := tokenRequest(ctx, "token refresh", opts.Metadata, opts.Credentials, params, opts.Resource, opts.Fetch)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = opts.RefreshToken
	}
	return tokens, nil
}

// tokenRequest posts a form-encoded grant to the token endpoint with the
// negotiated client authentication and parses the token response.
func tokenRequest(ctx context.Context, operation string, meta *ServerMetadata, creds ClientCredentials, params url.Values, resource *url.URL, fetch FetchFunc) (*TokenSet, error) {
	endpoint := meta.TokenEndpoint
	if endpoint == "" {
		return nil, &ConfigurationError{Reason: "server metadata missing token endpoint"}
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	method := selectAuthMethod(creds, meta.TokenEndpointAuthMethodsSupported)
	if err := applyAuthMethod(method, creds, headers, params); err != nil {
		return nil, err
	}
	if resource != nil {
		params.Set("resource", resource.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, &ConfigurationError{Reason: "building " + operation + " request", Cause: err}
	}
	req.Header = headers

	resp, err := doFetch(fetch, req)
	if err != nil {
		return nil, &NetworkError{Operation: operation, URL: endpoint, Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Operation: operation, URL: endpoint, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, serverErrorFromBody(operation, resp.StatusCode, body)
	}

	var tokens TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, &ConfigurationError{Reason: "parsing " + operation + " response", Cause: err}
	}
	if tokens.AccessToken == "" {
		return nil, &ConfigurationError{Reason: operation + " response missing access_token"}
	}
	tokens.IssuedAt = time.Now()
	return &tokens, nil
}

// selectAuthMethod negotiates the client authentication method against the
// server's advertised support: basic preferred for confidential clients,
// none for public ones, post as the permissive default.
func selectAuthMethod(creds ClientCredentials, supported []string) string {
	hasSecret := creds.ClientSecret != ""
	if len(supported) == 0 {
		if hasSecret {
			return AuthMethodPost
		}
		return AuthMethodNone
	}
	if hasSecret && slices.Contains(supported, AuthMethodBasic) {
		return AuthMethodBasic
	}
	if hasSecret && slices.Contains(supported, AuthMethodPost) {
		return AuthMethodPost
	}
	if slices.Contains(supported, AuthMethodNone) {
		return AuthMethodNone
	}
	if hasSecret {
		return AuthMethodPost
	}
	return AuthMethodNone
}

// applyAuthMethod writes the chosen client authentication into the request
// headers or form parameters.
func applyAuthMethod(method string, creds ClientCredentials, headers http.Header, params url.Values) error {
	switch method {
	case AuthMethodBasic:
		if creds.ClientSecret == "" {
			return &ConfigurationError{Reason: "client_secret_basic authentication requires a client secret"}
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(creds.ClientID + ":" + creds.ClientSecret))
		headers.Set("Authorization", "Basic "+encoded)
	case AuthMethodPost:
		params.Set("client_id", creds.ClientID)
		if creds.ClientSecret != "" {
			params.Set("client_secret", creds.ClientSecret)
		}
	case AuthMethodNone:
		params.Set("client_id", creds.ClientID)
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unsupported client authentication method %q", method)}
	}
	return nil
}

// supports reports whether list advertises value, treating an absent list
// as permissive.
func supports(list []string, value string) bool {
	return len(list) == 0 || slices.Contains(list, value)
}

func doFetch(fetch FetchFunc, req *http.Request) (*http.Response, error) {
	if fetch == nil {
		return http.DefaultClient.Do(req)
	}
	return fetch(req)
}
