package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DiscoveryOptions tunes metadata discovery.
type DiscoveryOptions struct {
	// MetadataURL fetches the document from an exact URL instead of probing
	// the well-known paths.
	MetadataURL string
	// Fetch overrides the HTTP transport; nil uses http.DefaultClient.
	Fetch FetchFunc
}

// DiscoverProtectedResource fetches the RFC 9728 protected resource
// document for a resource server. Absent metadata (404 on every probe, or
// an unreachable well-known endpoint) returns nil without error so callers
// can treat the server URL itself as the issuer; an explicitly configured
// MetadataURL that fails is an error.
func DiscoverProtectedResource(ctx context.Context, serverURL string, opts DiscoveryOptions) (*ProtectedResourceMetadata, error) {
	server, err := parseAbsoluteURL(serverURL)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid server URL %q", serverURL), Cause: err}
	}

	explicit := opts.MetadataURL != ""
	var candidates []string
	if explicit {
		candidates = []string{opts.MetadataURL}
	} else {
		origin := server.Scheme + "://" + server.Host
		path := strings.TrimSuffix(server.Path, "/")
		candidates = append(candidates, origin+"/.well-known/oauth-protected-resource"+path)
		if path != "" {
			candidates = append(candidates, origin+"/.well-known/oauth-protected-resource")
		}
	}

	var lastErr error
	for _, candidate := range candidates {
		status, body, err := fetchDocument(ctx, opts.Fetch, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusNotFound {
			continue
		}
		if status != http.StatusOK {
			return nil, serverErrorFromBody("protected resource discovery", status, body)
		}
		var meta ProtectedResourceMetadata
		if err := json.Unmarshal(body, &meta); err != nil {
			return nil, &ConfigurationError{Reason: "parsing protected resource metadata", Cause: err}
		}
		return &meta, nil
	}

	if explicit {
		if lastErr != nil {
			return nil, &NetworkError{Operation: "protected resource discovery", URL: opts.MetadataURL, Cause: lastErr}
		}
		return nil, &ConfigurationError{Reason: fmt.Sprintf("protected resource metadata not found at %s", opts.MetadataURL)}
	}
	return nil, nil
}

// DiscoverServerMetadata resolves authorization server metadata for an
// issuer, probing RFC 8414 and OpenID Connect well-known locations
// path-aware. It returns a NetworkError when every probe failed at the
// transport level and a ConfigurationError when the server publishes no
// usable document.
func DiscoverServerMetadata(ctx context.Context, issuerURL string, opts DiscoveryOptions) (*ServerMetadata, error) {
	issuer, err := parseAbsoluteURL(issuerURL)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid authorization server URL %q", issuerURL), Cause: err}
	}

	var candidates []string
	if opts.MetadataURL != "" {
		candidates = []string{opts.MetadataURL}
	} else {
		candidates = discoveryCandidates(issuer)
	}

	var lastErr error
	sawResponse := false
	for _, candidate := range candidates {
		status, body, err := fetchDocument(ctx, opts.Fetch, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		sawResponse = true
		if status == http.StatusNotFound {
			continue
		}
		if status != http.StatusOK {
			return nil, serverErrorFromBody("server metadata discovery", status, body)
		}
		var meta ServerMetadata
		if err := json.Unmarshal(body, &meta); err != nil {
			continue
		}
		if meta.Issuer == "" || meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
			continue
		}
		return &meta, nil
	}

	if !sawResponse && lastErr != nil {
		return nil, &NetworkError{Operation: "server metadata discovery", URL: issuerURL, Cause: lastErr}
	}
	return nil, &ConfigurationError{Reason: fmt.Sprintf("no authorization server metadata found for %s", issuerURL)}
}

// DefaultServerMetadata assembles metadata for servers that publish no
// discovery document, using the conventional endpoint layout.
func DefaultServerMetadata(issuer *url.URL) *ServerMetadata {
	return &ServerMetadata{
		Issuer:                issuer.String(),
		AuthorizationEndpoint: issuer.ResolveReference(&url.URL{Path: "/authorize"}).String(),
		TokenEndpoint:         issuer.ResolveReference(&url.URL{Path: "/token"}).String(),
		RegistrationEndpoint:  issuer.ResolveReference(&url.URL{Path: "/register"}).String(),
	}
}

// discoveryCandidates lists the well-known URLs to probe for server
// metadata. Issuers with path components get the path-aware RFC 8414 form
// first, then the root document, then the two OpenID Connect placements.
func discoveryCandidates(issuer *url.URL) []string {
	origin := issuer.Scheme + "://" + issuer.Host
	path := strings.TrimSuffix(issuer.Path, "/")
	if path == "" {
		return []string{
			origin + "/.well-known/oauth-authorization-server",
			origin + "/.well-known/openid-configuration",
		}
	}
	return []string{
		origin + "/.well-known/oauth-authorization-server" + path,
		origin + "/.well-known/oauth-authorization-server",
		origin + "/.well-known/openid-configuration" + path,
		origin + path + "/.well-known/openid-configuration",
	}
}

func fetchDocument(ctx context.Context, fetch FetchFunc, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := doFetch(fetch, req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("URL %q is not absolute", raw)
	}
	return u, nil
}

// resourceURL strips the fragment from a server URL for use as the
// RFC 8707 resource indicator.
func resourceURL(serverURL string) (*url.URL, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	u.Fragment = ""
	return u, nil
}

// resourceAllowed reports whether requested falls inside the configured
// resource: same origin and a path prefix match.
func resourceAllowed(requested, configured *url.URL) bool {
	if requested.Scheme != configured.Scheme || requested.Host != configured.Host {
		return false
	}
	requestedPath := requested.Path
	if !strings.HasSuffix(requestedPath, "/") {
		requestedPath += "/"
	}
	configuredPath := configured.Path
	if !strings.HasSuffix(configuredPath, "/") {
		configuredPath += "/"
	}
	return strings.HasPrefix(requestedPath, configuredPath)
}
