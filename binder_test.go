package mcpadapt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/grll/mcpadapt/auth"
)

type staticAuth struct {
	header string
	value  string
}

func (s *staticAuth) Headers(context.Context) (http.Header, error) {
	headers := http.Header{}
	headers.Set(s.header, s.value)
	return headers, nil
}

type failingAuth struct {
	err error
}

func (f *failingAuth) Headers(context.Context) (http.Header, error) {
	return nil, f.err
}

// tokenAuth provides both headers and managed tokens, like the OAuth
// provider does.
type tokenAuth struct {
	tokens auth.TokenSet
}

func (t *tokenAuth) Headers(context.Context) (http.Header, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+t.tokens.AccessToken)
	return headers, nil
}

func (t *tokenAuth) CurrentTokens(context.Context) (*auth.TokenSet, error) {
	tokens := t.tokens
	return &tokens, nil
}

// gatedAuth records how many Headers calls run at once.
type gatedAuth struct {
	mu        sync.Mutex
	active    int
	maxActive int
}

func (g *gatedAuth) Headers(context.Context) (http.Header, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return http.Header{}, nil
}

func (g *gatedAuth) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

func TestNewBinderValidation(t *testing.T) {
	valid := Endpoint{Name: "files", URL: "https://files.example.com"}

	tests := []struct {
		name      string
		endpoints []Endpoint
	}{
		{name: "no endpoints", endpoints: nil},
		{name: "empty name", endpoints: []Endpoint{{URL: "https://a.example.com"}}},
		{name: "duplicate name", endpoints: []Endpoint{valid, {Name: "files", URL: "https://b.example.com"}}},
		{name: "relative url", endpoints: []Endpoint{{Name: "files", URL: "/mcp"}}},
		{name: "garbage url", endpoints: []Endpoint{{Name: "files", URL: "://nope"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBinder(tt.endpoints, WithLogger(NopLogger{}))
			require.Error(t, err)
			assert.True(t, auth.IsConfiguration(err), "want a ConfigurationError, got %v", err)
		})
	}

	b, err := NewBinder([]Endpoint{valid}, WithLogger(NopLogger{}))
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestBinderConnect(t *testing.T) {
	oauthLike := &tokenAuth{tokens: auth.TokenSet{AccessToken: "tok1", TokenType: "Bearer"}}
	apiKey, err := auth.NewAPIKeyProvider("", "k-123")
	require.NoError(t, err)

	b, err := NewBinder([]Endpoint{
		{Name: "files", URL: "https://files.example.com", Auth: oauthLike},
		{Name: "search", URL: "https://search.example.com", Auth: apiKey},
		{Name: "public", URL: "https://public.example.com"},
	}, WithLogger(NopLogger{}))
	require.NoError(t, err)

	conns, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 3)

	// Endpoint order is preserved.
	assert.Equal(t, "files", conns[0].Name())
	assert.Equal(t, "search", conns[1].Name())
	assert.Equal(t, "public", conns[2].Name())
	assert.Equal(t, "https://files.example.com", conns[0].URL())

	headers, err := conns[0].Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok1", headers.Get("Authorization"))

	headers, err = conns[1].Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k-123", headers.Get(auth.DefaultAPIKeyHeader))

	headers, err = conns[2].Headers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, headers)

	// Only the token-managing endpoint offers a TokenSource.
	source := conns[0].TokenSource(context.Background())
	require.NotNil(t, source)
	token, err := source.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok1", token.AccessToken)

	assert.Nil(t, conns[1].TokenSource(context.Background()))
	assert.Nil(t, conns[2].TokenSource(context.Background()))
}

func TestBinderRequiredFailure(t *testing.T) {
	b, err := NewBinder([]Endpoint{
		{Name: "good", URL: "https://good.example.com", Auth: &staticAuth{header: "X-API-Key", value: "k"}},
		{Name: "bad", URL: "https://bad.example.com", Auth: &failingAuth{err: errors.New("registration rejected")}},
	}, WithLogger(NopLogger{}))
	require.NoError(t, err)

	conns, err := b.Connect(context.Background())
	require.Error(t, err)
	assert.Nil(t, conns, "a required failure must not hand out connections")
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, multierr.Errors(err), 1)
}

func TestBinderCollectsAllFailures(t *testing.T) {
	b, err := NewBinder([]Endpoint{
		{Name: "one", URL: "https://one.example.com", Auth: &failingAuth{err: errors.New("boom one")}},
		{Name: "two", URL: "https://two.example.com", Auth: &failingAuth{err: errors.New("boom two")}},
	}, WithLogger(NopLogger{}))
	require.NoError(t, err)

	_, err = b.Connect(context.Background())
	require.Error(t, err)
	failures := multierr.Errors(err)
	assert.Len(t, failures, 2, "every endpoint's failure is reported, not just the first")
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
}

func TestBinderPartialConnect(t *testing.T) {
	b, err := NewBinder([]Endpoint{
		{Name: "good", URL: "https://good.example.com", Auth: &staticAuth{header: "X-API-Key", value: "k"}},
		{Name: "bad", URL: "https://bad.example.com", Auth: &failingAuth{err: errors.New("server down")}},
	}, WithLogger(NopLogger{}), WithPartialConnect(true))
	require.NoError(t, err)

	conns, err := b.Connect(context.Background())
	require.Error(t, err, "failures are still reported in partial mode")
	require.Len(t, conns, 1, "survivors are kept in partial mode")
	assert.Equal(t, "good", conns[0].Name())
	assert.Len(t, multierr.Errors(err), 1)
}

func TestBinderOptionalEndpointSkipped(t *testing.T) {
	b, err := NewBinder([]Endpoint{
		{Name: "core", URL: "https://core.example.com", Auth: &staticAuth{header: "X-API-Key", value: "k"}},
		{Name: "extras", URL: "https://extras.example.com", Auth: &failingAuth{err: errors.New("down")}, Optional: true},
	}, WithLogger(NopLogger{}))
	require.NoError(t, err)

	conns, err := b.Connect(context.Background())
	require.NoError(t, err, "optional failures never fail Connect")
	require.Len(t, conns, 1)
	assert.Equal(t, "core", conns[0].Name())
}

func TestBinderMaxConcurrent(t *testing.T) {
	gate := &gatedAuth{}
	endpoints := []Endpoint{
		{Name: "a", URL: "https://a.example.com", Auth: gate},
		{Name: "b", URL: "https://b.example.com", Auth: gate},
		{Name: "c", URL: "https://c.example.com", Auth: gate},
		{Name: "d", URL: "https://d.example.com", Auth: gate},
	}

	b, err := NewBinder(endpoints, WithLogger(NopLogger{}), WithMaxConcurrent(2))
	require.NoError(t, err)

	conns, err := b.Connect(context.Background())
	require.NoError(t, err)
	assert.Len(t, conns, 4)
	assert.LessOrEqual(t, gate.peak(), 2, "concurrency cap exceeded")
}

func TestBinderClose(t *testing.T) {
	b, err := NewBinder([]Endpoint{
		{Name: "files", URL: "https://files.example.com", Auth: &staticAuth{header: "X-API-Key", value: "k"}},
	}, WithLogger(NopLogger{}))
	require.NoError(t, err)

	conns, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)

	b.Close()
	assert.True(t, conns[0].Closed())

	_, err = conns[0].Headers(context.Background())
	require.Error(t, err)
	assert.True(t, auth.IsConfiguration(err))

	// Closing again is a no-op.
	b.Close()
	conns[0].Close()
}

func TestConnectionHTTPClient(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	b, err := NewBinder([]Endpoint{
		{Name: "files", URL: server.URL, Auth: &staticAuth{header: "X-API-Key", value: "k-123"}},
	}, WithLogger(NopLogger{}))
	require.NoError(t, err)

	conns, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)

	resp, err := conns[0].HTTPClient().Get(conns[0].URL())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "k-123", got.Get("X-API-Key"))

	// A closed connection refuses to authorize further requests.
	b.Close()
	_, err = conns[0].HTTPClient().Get(conns[0].URL())
	require.Error(t, err)
}
