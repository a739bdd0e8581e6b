// Package mcpadapt binds a client to the set of authenticated servers it
// talks to. Each endpoint carries its own credential provider from the
// auth package (an OAuth provider, a static API key, or nothing), and the
// binder brings them all to readiness concurrently while keeping every
// endpoint's credential state isolated.
package mcpadapt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/grll/mcpadapt/auth"
)

const instrumentationName = "github.com/grll/mcpadapt"

// Endpoint describes one server the binder connects to.
type Endpoint struct {
	// Name identifies the endpoint in logs and errors. Required, unique.
	Name string

	// URL is the server base URL. Required, absolute.
	URL string

	// Auth supplies credentials for the endpoint. The OAuth
	// *auth.Provider, the static providers, or any custom
	// HeaderProvider fit here. Nil means the endpoint is
	// unauthenticated.
	Auth auth.HeaderProvider

	// Optional marks the endpoint best effort: a failure to
	// authenticate is logged and skipped instead of failing Connect.
	Optional bool
}

// Connection is one endpoint brought to readiness.
type Connection struct {
	name string
	url  string
	auth auth.HeaderProvider

	mu     sync.Mutex
	closed bool
}

// Name returns the endpoint name.
func (c *Connection) Name() string { return c.name }

// URL returns the endpoint base URL.
func (c *Connection) URL() string { return c.url }

// Headers returns the authentication headers for the next request
// against this endpoint. OAuth-backed endpoints refresh behind this
// call; unauthenticated endpoints return empty headers.
func (c *Connection) Headers(ctx context.Context) (http.Header, error) {
	if c.Closed() {
		return nil, &auth.ConfigurationError{Reason: fmt.Sprintf("endpoint %s: connection closed", c.name)}
	}
	if c.auth == nil {
		return http.Header{}, nil
	}
	headers, err := c.auth.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", c.name, err)
	}
	return headers, nil
}

var _ auth.HeaderProvider = (*Connection)(nil)

// TokenSource bridges the endpoint's credentials into an
// oauth2.TokenSource for transports built on golang.org/x/oauth2.
// Endpoints whose provider does not manage tokens return nil.
func (c *Connection) TokenSource(ctx context.Context) oauth2.TokenSource {
	provider, ok := c.auth.(auth.TokenProvider)
	if !ok {
		return nil
	}
	return auth.NewTokenSource(ctx, provider)
}

// HTTPClient returns an *http.Client that authenticates every request
// against this endpoint through the connection's provider.
func (c *Connection) HTTPClient() *http.Client {
	return auth.NewHTTPClient(c)
}

// Close marks the connection closed. Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// BinderOption adjusts binder behavior.
type BinderOption func(*Binder)

// WithMaxConcurrent caps how many endpoints authenticate at once. Zero
// or negative means no cap.
func WithMaxConcurrent(n int) BinderOption {
	return func(b *Binder) { b.maxConcurrent = n }
}

// WithPartialConnect keeps successfully connected endpoints when others
// fail. The default tears everything down on any required failure.
func WithPartialConnect(allow bool) BinderOption {
	return func(b *Binder) { b.partial = allow }
}

// WithLogger routes binder logs somewhere other than the default zap
// logger.
func WithLogger(logger Logger) BinderOption {
	return func(b *Binder) { b.logger = logger }
}

// Binder connects a set of endpoints and hands out their connections.
type Binder struct {
	endpoints     []Endpoint
	maxConcurrent int
	partial       bool
	logger        Logger

	mu          sync.Mutex
	connections []*Connection
}

// NewBinder validates the endpoint set and builds a binder. Endpoint
// names must be non-empty and unique; URLs must be absolute.
func NewBinder(endpoints []Endpoint, opts ...BinderOption) (*Binder, error) {
	if len(endpoints) == 0 {
		return nil, &auth.ConfigurationError{Reason: "no endpoints configured"}
	}
	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if ep.Name == "" {
			return nil, &auth.ConfigurationError{Reason: "endpoint with empty name"}
		}
		if seen[ep.Name] {
			return nil, &auth.ConfigurationError{Reason: fmt.Sprintf("duplicate endpoint name %q", ep.Name)}
		}
		seen[ep.Name] = true
		u, err := url.Parse(ep.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, &auth.ConfigurationError{Reason: fmt.Sprintf("endpoint %s: invalid URL %q", ep.Name, ep.URL)}
		}
	}

	b := &Binder{endpoints: endpoints}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = NewLogger()
	}
	return b, nil
}

// Connect authenticates every endpoint concurrently and returns the
// established connections in endpoint order. It returns once each
// endpoint is ready, failed, or skipped as optional. When a required
// endpoint fails, everything established is torn down and the combined
// per-endpoint errors are returned; with WithPartialConnect the
// survivors are returned alongside the combined error.
func (b *Binder) Connect(ctx context.Context) ([]*Connection, error) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "binder.connect")
	span.SetAttributes(attribute.Int("endpoints", len(b.endpoints)))
	defer span.End()

	results := make([]*Connection, len(b.endpoints))
	failures := make([]error, len(b.endpoints))

	var group errgroup.Group
	if b.maxConcurrent > 0 {
		group.SetLimit(b.maxConcurrent)
	}
	for i, ep := range b.endpoints {
		group.Go(func() error {
			conn, err := b.connectEndpoint(ctx, ep)
			if err != nil {
				if ep.Optional {
					b.logger.Warnf("optional endpoint %s unavailable: %v", ep.Name, err)
					return nil
				}
				failures[i] = fmt.Errorf("endpoint %s: %w", ep.Name, err)
				return nil
			}
			results[i] = conn
			return nil
		})
	}
	_ = group.Wait()

	combined := multierr.Combine(failures...)
	if combined != nil && !b.partial {
		for _, conn := range results {
			if conn != nil {
				conn.Close()
			}
		}
		span.RecordError(combined)
		span.SetStatus(codes.Error, "connect failed")
		return nil, combined
	}

	connections := make([]*Connection, 0, len(results))
	for _, conn := range results {
		if conn != nil {
			connections = append(connections, conn)
		}
	}

	b.mu.Lock()
	b.connections = append(b.connections, connections...)
	b.mu.Unlock()

	if combined != nil {
		span.RecordError(combined)
		b.logger.Warnf("connected %d of %d endpoints: %v", len(connections), len(b.endpoints), combined)
		return connections, combined
	}
	b.logger.Infof("connected %d endpoints", len(connections))
	return connections, nil
}

// connectEndpoint brings one endpoint's credentials to readiness. For an
// OAuth provider this runs whatever part of the authorization lifecycle
// is needed; static and absent providers are ready immediately.
func (b *Binder) connectEndpoint(ctx context.Context, ep Endpoint) (*Connection, error) {
	if ep.Auth != nil {
		if _, err := ep.Auth.Headers(ctx); err != nil {
			return nil, err
		}
	}
	return &Connection{name: ep.Name, url: ep.URL, auth: ep.Auth}, nil
}

// Close tears down every connection the binder handed out. Idempotent.
func (b *Binder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.connections {
		conn.Close()
	}
	b.connections = nil
}
