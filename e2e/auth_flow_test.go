package e2e

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grll/mcpadapt/auth"
)

const callbackURL = "http://localhost:3030/callback"

// startAuthServer runs a stub authorization server. Hitting /authorize
// redirects straight back to the client's redirect_uri with a fixed code,
// standing in for the user approving the request.
func startAuthServer(t *testing.T) *httptest.Server {
	t.Helper()

	var serverURL string
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"issuer": %q,
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"registration_endpoint": %q,
			"response_types_supported": ["code"],
			"grant_types_supported": ["authorization_code", "refresh_token"],
			"code_challenge_methods_supported": ["S256"]
		}`, serverURL, serverURL+"/authorize", serverURL+"/token", serverURL+"/register")
	})

	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"client_id": "e2e-client", "client_secret": "e2e-secret"}`)
	})

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		redirectURI := r.URL.Query().Get("redirect_uri")
		state := r.URL.Query().Get("state")
		http.Redirect(w, r, redirectURI+"?code=abc123&state="+url.QueryEscape(state), http.StatusFound)
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code") != "abc123" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "tok1", "token_type": "Bearer", "expires_in": 3600}`)
	})

	server := httptest.NewServer(mux)
	serverURL = server.URL
	t.Cleanup(server.Close)
	return server
}

// echoHandler plays the user's part without a browser: Collect answers
// with the fixed code and the state the authorization URL carried.
type echoHandler struct {
	mu   sync.Mutex
	last *url.URL
}

func (h *echoHandler) Present(ctx context.Context, u *url.URL) error {
	h.mu.Lock()
	h.last = u
	h.mu.Unlock()
	return nil
}

func (h *echoHandler) Collect(ctx context.Context) (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return "", "", errors.New("collect before present")
	}
	return "abc123", h.last.Query().Get("state"), nil
}

// TestAuthorizationFlow walks the full lifecycle against the stub server:
// discovery, dynamic registration, authorization, and code exchange.
func TestAuthorizationFlow(t *testing.T) {
	server := startAuthServer(t)

	provider, err := auth.NewProvider(auth.ProviderConfig{
		ServerURL: server.URL,
		Metadata: auth.ClientMetadata{
			RedirectURIs: []string{callbackURL},
			ClientName:   "e2e-test",
		},
		Handler: &echoHandler{},
		Logger:  auth.NopLogger{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, provider.Authorize(ctx))
	assert.Equal(t, auth.StateAuthorized, provider.State())

	token, err := provider.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok1", token)
}

// TestAuthorizationFlowWithLocalListener closes the loop through a real
// callback listener on port 3030: the "browser" follows the authorization
// URL, the stub server redirects it to localhost, and the listener feeds
// the code back into the flow.
func TestAuthorizationFlowWithLocalListener(t *testing.T) {
	server := startAuthServer(t)

	// The browser stand-in follows redirects all the way to the local
	// callback endpoint.
	openBrowser := func(rawURL string) error {
		go func() {
			resp, err := http.Get(rawURL)
			if err != nil {
				t.Errorf("following authorization URL: %v", err)
				return
			}
			resp.Body.Close()
		}()
		return nil
	}

	listener := auth.NewLocalCallbackListener(
		auth.WithBrowserOpener(openBrowser),
		auth.WithListenerLogger(auth.NopLogger{}),
	)

	provider, err := auth.NewProvider(auth.ProviderConfig{
		ServerURL: server.URL,
		Metadata: auth.ClientMetadata{
			RedirectURIs: []string{listener.RedirectURI()},
			ClientName:   "e2e-test",
		},
		Handler: listener,
		Logger:  auth.NopLogger{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, provider.Authorize(ctx))
	assert.Equal(t, auth.StateAuthorized, provider.State())

	token, err := provider.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok1", token)
}

// TestAuthorizationTimeoutReleasesPort verifies that an authorization the
// user never completes fails within the configured budget and does not
// leak the callback port.
func TestAuthorizationTimeoutReleasesPort(t *testing.T) {
	server := startAuthServer(t)

	// No browser: the callback never arrives.
	listener := auth.NewLocalCallbackListener(
		auth.WithBrowserOpener(func(string) error { return nil }),
		auth.WithListenerLogger(auth.NopLogger{}),
	)

	provider, err := auth.NewProvider(auth.ProviderConfig{
		ServerURL: server.URL,
		Metadata: auth.ClientMetadata{
			RedirectURIs: []string{listener.RedirectURI()},
			ClientName:   "e2e-test",
		},
		Handler: listener,
		Timeout: 2 * time.Second,
		Logger:  auth.NopLogger{},
	})
	require.NoError(t, err)

	start := time.Now()
	err = provider.Authorize(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, auth.IsTimeout(err), "want a TimeoutError, got %v", err)
	assert.Less(t, elapsed, 5*time.Second, "the 2s budget must cut the wait short")
	assert.Equal(t, auth.StateFailed, provider.State())

	// The callback port is free again immediately.
	ln, err := net.Listen("tcp", "localhost:3030")
	require.NoError(t, err, "callback port still held after the flow failed")
	ln.Close()
}
