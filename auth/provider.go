package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grll/mcpadapt/internal/backoff"
	"github.com/grll/mcpadapt/internal/pkce"
)

const (
	// DefaultTimeout bounds one authorization attempt end to end, including
	// the wait for the user to act on the authorization URL.
	DefaultTimeout = 300 * time.Second

	// DefaultExpiryMargin is how far ahead of the recorded expiry an access
	// token is already treated as expired, so it never lapses mid-request.
	DefaultExpiryMargin = 30 * time.Second
)

// State identifies where a provider sits in the authorization lifecycle.
type State string

const (
	StateUnregistered          State = "unregistered"
	StateRegistered            State = "registered"
	StateAwaitingAuthorization State = "awaiting_authorization"
	StateExchanging            State = "exchanging"
	StateAuthorized            State = "authorized"
	StateRefreshing            State = "refreshing"
	StateFailed                State = "failed"
)

// ProviderConfig configures a Provider. ServerURL and Metadata are
// required; everything else has a usable default.
type ProviderConfig struct {
	// ServerURL is the absolute URL of the server requiring authorization.
	ServerURL string
	// Metadata describes this client for dynamic registration and
	// authorization requests. RedirectURIs may be left empty when Handler
	// is a LocalCallbackListener; the listener's address is used.
	Metadata ClientMetadata
	// Store persists client credentials and tokens across attempts.
	// Defaults to an in-memory store.
	Store TokenStore
	// Handler drives the interactive authorization step. Defaults to a
	// LocalCallbackListener on localhost.
	Handler AuthorizationHandler
	// Credentials seeds the store with statically issued client
	// credentials, skipping dynamic registration.
	Credentials *ClientCredentials
	// Scope is the space-separated scope to request. When empty, the
	// scopes advertised by the protected resource are requested.
	Scope string
	// Timeout bounds one authorization attempt. Defaults to DefaultTimeout.
	Timeout time.Duration
	// ExpiryMargin widens the token expiry check. Defaults to
	// DefaultExpiryMargin.
	ExpiryMargin time.Duration
	// ResourceMetadataURL locates the protected resource metadata
	// directly, e.g. from a WWW-Authenticate challenge, instead of probing
	// well-known paths.
	ResourceMetadataURL string
	// HTTPClient issues the outbound requests when Fetch is nil.
	HTTPClient *http.Client
	// Fetch overrides the HTTP transport for every outbound request.
	Fetch FetchFunc
	// RefreshRetry retries transient refresh failures before falling back
	// to a new authorization. Nil disables retries.
	RefreshRetry *backoff.Config
	// Logger receives flow progress. Defaults to a production logger.
	Logger Logger
	// Recorder receives flow measurements. Defaults to NopFlowRecorder.
	Recorder FlowRecorder
}

// Provider owns the OAuth 2.0 client lifecycle against a single server:
// metadata discovery, dynamic client registration, the authorization code
// flow with PKCE, token persistence, and refresh.
//
// Methods are safe for concurrent use. At most one flow runs at a time;
// concurrent callers block until the running flow settles and then reuse
// its outcome from the store.
type Provider struct {
	serverURL           *url.URL
	resource            *url.URL
	metadata            ClientMetadata
	store               TokenStore
	handler             AuthorizationHandler
	scope               string
	timeout             time.Duration
	expiryMargin        time.Duration
	resourceMetadataURL string
	fetch               FetchFunc
	refreshRetry        *backoff.Config
	logger              Logger
	recorder            FlowRecorder
	tracer              trace.Tracer

	mu           sync.Mutex // serializes flows and store writes
	serverMeta   *ServerMetadata
	scopeDefault string

	stateMu sync.RWMutex
	state   State
}

// NewProvider validates the configuration and returns a provider in the
// Unregistered state, or Registered when the store already holds client
// credentials.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	serverURL, err := parseAbsoluteURL(cfg.ServerURL)
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid server URL", Cause: err}
	}
	resource, err := resourceURL(cfg.ServerURL)
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid server URL", Cause: err}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}

	handler := cfg.Handler
	if handler == nil {
		handler = NewLocalCallbackListener(WithListenerTimeout(timeout), WithListenerLogger(logger))
	}
	metadata := cfg.Metadata
	if len(metadata.RedirectURIs) == 0 {
		if listener, ok := handler.(*LocalCallbackListener); ok {
			metadata.RedirectURIs = []string{listener.RedirectURI()}
		}
	}
	if err := metadata.Validate(); err != nil {
		return nil, err
	}

	store := cfg.Store
	if store == nil {
		store = NewInMemoryTokenStore()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NopFlowRecorder{}
	}
	fetch := cfg.Fetch
	if fetch == nil && cfg.HTTPClient != nil {
		fetch = cfg.HTTPClient.Do
	}

	p := &Provider{
		serverURL:           serverURL,
		resource:            resource,
		metadata:            metadata,
		store:               store,
		handler:             handler,
		scope:               cfg.Scope,
		timeout:             timeout,
		expiryMargin:        margin,
		resourceMetadataURL: cfg.ResourceMetadataURL,
		fetch:               fetch,
		refreshRetry:        cfg.RefreshRetry,
		logger:              logger,
		recorder:            recorder,
		tracer:              otel.Tracer(instrumentationName),
		state:               StateUnregistered,
	}

	if cfg.Credentials != nil {
		if cfg.Credentials.ClientID == "" {
			return nil, &ConfigurationError{Reason: "seeded credentials missing client_id"}
		}
		if err := store.SetCredentials(context.Background(), *cfg.Credentials); err != nil {
			return nil, &ConfigurationError{Reason: "seeding client credentials", Cause: err}
		}
	}
	if creds, err := store.Credentials(context.Background()); err == nil && creds != nil {
		p.state = StateRegistered
	}
	return p, nil
}

// State reports the current lifecycle state. It never blocks behind a
// running flow.
func (p *Provider) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *Provider) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// Authorize runs a full authorization flow regardless of stored tokens.
// Most callers want Token or CurrentTokens, which reuse and refresh stored
// tokens and only fall back to a new flow when they must.
func (p *Provider) Authorize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authorizeLocked(ctx)
}

// Token returns a valid access token, refreshing or re-authorizing first
// when needed.
func (p *Provider) Token(ctx context.Context) (string, error) {
	tokens, err := p.CurrentTokens(ctx)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// CurrentTokens returns a valid token set. Stored tokens are reused while
// fresh, refreshed when expired and a refresh token is held, and replaced
// through a full authorization flow otherwise.
func (p *Provider) CurrentTokens(ctx context.Context) (*TokenSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokensLocked(ctx)
}

// Headers returns the Authorization header for a request to the server,
// running whatever part of the flow is needed first.
func (p *Provider) Headers(ctx context.Context) (http.Header, error) {
	tokens, err := p.CurrentTokens(ctx)
	if err != nil {
		return nil, err
	}
	tokenType := tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	headers := http.Header{}
	headers.Set("Authorization", tokenType+" "+tokens.AccessToken)
	return headers, nil
}

// InvalidateCredentials forgets persisted authorization state so later
// calls rebuild it. Scope selects what to drop: "all" (registration and
// tokens), "client" (registration only), "tokens", or "verifier" (a no-op,
// PKCE verifiers only live for one attempt).
func (p *Provider) InvalidateCredentials(ctx context.Context, scope string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalidateLocked(ctx, scope)
}

func (p *Provider) invalidateLocked(ctx context.Context, scope string) error {
	switch scope {
	case "all":
		if err := p.store.ClearTokens(ctx); err != nil {
			return &ConfigurationError{Reason: "clearing tokens", Cause: err}
		}
		p.clearCredentials(ctx)
	case "client":
		p.clearCredentials(ctx)
	case "tokens":
		if err := p.store.ClearTokens(ctx); err != nil {
			return &ConfigurationError{Reason: "clearing tokens", Cause: err}
		}
	case "verifier":
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown invalidation scope %q", scope)}
	}
	p.setState(p.storedState(ctx))
	return nil
}

// clearCredentials drops the registration when the store supports it.
// Stores that cannot forget credentials keep them; the rerun then reuses
// the existing registration.
func (p *Provider) clearCredentials(ctx context.Context) {
	clearer, ok := p.store.(CredentialsClearer)
	if !ok {
		p.logger.Warnf("token store cannot forget client credentials, keeping registration")
		return
	}
	if err := clearer.ClearCredentials(ctx); err != nil {
		p.logger.Warnf("clearing client credentials: %v", err)
	}
}

// storedState derives the resting state from what the store holds.
func (p *Provider) storedState(ctx context.Context) State {
	if creds, err := p.store.Credentials(ctx); err == nil && creds != nil {
		return StateRegistered
	}
	return StateUnregistered
}

// authorizeLocked runs one flow under p.mu and pins the state to Failed on
// any error.
func (p *Provider) authorizeLocked(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "auth.authorize",
		trace.WithAttributes(attribute.String("server_url", p.serverURL.String())))
	defer span.End()

	start := time.Now()
	err := p.runFlow(ctx)
	p.recorder.RecordFlowDuration(ctx, "authorize", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.fail(ctx, err)
	}
	return nil
}

func (p *Provider) tokensLocked(ctx context.Context) (*TokenSet, error) {
	tokens, err := p.store.Tokens(ctx)
	if err != nil {
		return nil, p.fail(ctx, &ConfigurationError{Reason: "reading stored tokens", Cause: err})
	}
	if tokens != nil && !tokens.Expired(p.expiryMargin) {
		return tokens, nil
	}
	if tokens != nil && tokens.RefreshToken != "" {
		refreshed, refreshErr := p.refreshLocked(ctx, tokens.RefreshToken)
		if refreshErr == nil {
			return refreshed, nil
		}
		if !IsServer(refreshErr) {
			return nil, p.fail(ctx, refreshErr)
		}
		// Definitive rejection: drop the stale grant and run a fresh flow.
		// invalid_client and unauthorized_client mean the registration
		// itself is bad, so those discard the client as well.
		scope := "tokens"
		if errors.Is(refreshErr, ErrInvalidClient) || errors.Is(refreshErr, ErrUnauthorizedClient) {
			scope = "all"
		}
		p.logger.Warnf("token refresh rejected: %v; invalidating %s and re-authorizing", refreshErr, scope)
		if err := p.invalidateLocked(ctx, scope); err != nil {
			return nil, p.fail(ctx, err)
		}
	}
	if err := p.authorizeLocked(ctx); err != nil {
		return nil, err
	}
	tokens, err = p.store.Tokens(ctx)
	if err != nil {
		return nil, p.fail(ctx, &ConfigurationError{Reason: "reading stored tokens", Cause: err})
	}
	if tokens == nil {
		return nil, p.fail(ctx, &ConfigurationError{Reason: "authorization finished without tokens"})
	}
	return tokens, nil
}

// runFlow drives one authorization attempt end to end under the attempt
// deadline.
func (p *Provider) runFlow(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.flowSteps(ctx)
	if err == nil {
		return nil
	}
	// The deadline elapsing surfaces as whatever step was in flight, so
	// classify it uniformly here.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsTimeout(err) {
		return &TimeoutError{Operation: "authorization flow", Timeout: p.timeout, Cause: err}
	}
	if errors.Is(ctx.Err(), context.Canceled) && !IsCancellation(err) {
		return &CancellationError{Detail: "authorization canceled by caller"}
	}
	return err
}

func (p *Provider) flowSteps(ctx context.Context) error {
	meta, err := p.discover(ctx)
	if err != nil {
		return err
	}
	creds, err := p.ensureRegistered(ctx, meta)
	if err != nil {
		return err
	}
	attempt, err := p.newAttempt(meta, *creds)
	if err != nil {
		return err
	}
	p.logger.Debugf("authorization attempt %s: %s", attempt.id, attempt.authorizationURL)

	code, err := p.collectAuthorization(ctx, attempt)
	if err != nil {
		return err
	}
	p.setState(StateExchanging)
	tokens, err := p.exchange(ctx, meta, *creds, attempt, code)
	if err != nil {
		return err
	}
	if err := p.store.SetTokens(ctx, *tokens); err != nil {
		return &ConfigurationError{Reason: "persisting tokens", Cause: err}
	}
	p.setState(StateAuthorized)
	p.logger.Infof("authorized against %s", p.serverURL)
	return nil
}

// discover resolves the authorization server metadata for the configured
// server, caching the result across attempts. Discovery failures other
// than network faults fall back to the default endpoint layout.
func (p *Provider) discover(ctx context.Context) (*ServerMetadata, error) {
	if p.serverMeta != nil {
		return p.serverMeta, nil
	}

	issuer := p.serverURL.String()
	prm, err := DiscoverProtectedResource(ctx, issuer, DiscoveryOptions{
		MetadataURL: p.resourceMetadataURL,
		Fetch:       p.fetch,
	})
	if err != nil {
		return nil, err
	}
	if prm != nil {
		if prm.Resource != "" {
			declared, parseErr := parseAbsoluteURL(prm.Resource)
			if parseErr != nil || !resourceAllowed(p.resource, declared) {
				return nil, &ConfigurationError{
					Reason: fmt.Sprintf("protected resource metadata declares %q, which does not cover %s", prm.Resource, p.resource),
				}
			}
		}
		if len(prm.AuthorizationServers) > 0 {
			issuer = prm.AuthorizationServers[0]
		}
		if p.scope == "" && len(prm.ScopesSupported) > 0 {
			p.scopeDefault = strings.Join(prm.ScopesSupported, " ")
		}
	}

	meta, err := DiscoverServerMetadata(ctx, issuer, DiscoveryOptions{Fetch: p.fetch})
	switch {
	case err == nil:
	case IsNetwork(err):
		return nil, err
	default:
		issuerURL, parseErr := parseAbsoluteURL(issuer)
		if parseErr != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid authorization server %q", issuer), Cause: parseErr}
		}
		p.logger.Warnf("authorization server metadata discovery failed, assuming default endpoints: %v", err)
		meta = DefaultServerMetadata(issuerURL)
	}
	p.serverMeta = meta
	return meta, nil
}

// ensureRegistered returns the stored client credentials, registering the
// client dynamically when none exist yet. Each store registers at most
// once; reruns reuse the persisted registration.
func (p *Provider) ensureRegistered(ctx context.Context, meta *ServerMetadata) (*ClientCredentials, error) {
	creds, err := p.store.Credentials(ctx)
	if err != nil {
		return nil, &ConfigurationError{Reason: "reading client credentials", Cause: err}
	}
	if creds != nil {
		p.setState(StateRegistered)
		return creds, nil
	}

	ctx, span := p.tracer.Start(ctx, "auth.register")
	defer span.End()

	creds, err = registerClient(ctx, registerOptions{
		Metadata: meta,
		Client:   p.metadata,
		Fetch:    p.fetch,
	})
	p.recorder.RecordRegistration(ctx, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// A rejected registration means the client description cannot be
		// accepted as-is; retrying the same metadata cannot succeed.
		if IsServer(err) {
			return nil, &ConfigurationError{Reason: "dynamic client registration rejected", Cause: err}
		}
		return nil, err
	}
	if err := p.store.SetCredentials(ctx, *creds); err != nil {
		return nil, &ConfigurationError{Reason: "persisting client credentials", Cause: err}
	}
	p.setState(StateRegistered)
	p.logger.Infof("registered client %s", creds.ClientID)
	return creds, nil
}

// authorizationAttempt carries the single-use secrets of one interactive
// authorization: the CSRF state token and the PKCE pair. It never outlives
// the attempt and is never persisted.
type authorizationAttempt struct {
	id               string
	state            string
	pkce             pkce.Pair
	redirectURI      string
	authorizationURL *url.URL
}

func (p *Provider) newAttempt(meta *ServerMetadata, creds ClientCredentials) (*authorizationAttempt, error) {
	state, err := randomToken()
	if err != nil {
		return nil, &ConfigurationError{Reason: "generating state token", Cause: err}
	}
	pair, err := pkce.New()
	if err != nil {
		return nil, &ConfigurationError{Reason: "generating PKCE pair", Cause: err}
	}
	redirectURI := p.metadata.RedirectURIs[0]
	authorizationURL, err := buildAuthorizationURL(authorizationURLOptions{
		Metadata:    meta,
		Credentials: creds,
		RedirectURI: redirectURI,
		State:       state,
		Challenge:   pair.Challenge,
		Scope:       p.requestScope(),
		Resource:    p.resource,
	})
	if err != nil {
		return nil, err
	}
	return &authorizationAttempt{
		id:               uuid.NewString(),
		state:            state,
		pkce:             pair,
		redirectURI:      redirectURI,
		authorizationURL: authorizationURL,
	}, nil
}

// requestScope returns the configured scope, or the scopes the protected
// resource advertised when none was configured.
func (p *Provider) requestScope() string {
	if p.scope != "" {
		return p.scope
	}
	return p.scopeDefault
}

// collectAuthorization presents the authorization URL and waits for the
// redirect, validating the returned state before releasing the code.
func (p *Provider) collectAuthorization(ctx context.Context, attempt *authorizationAttempt) (string, error) {
	if err := p.handler.Present(ctx, attempt.authorizationURL); err != nil {
		if isTaxonomy(err) {
			return "", err
		}
		return "", &ConfigurationError{Reason: "presenting authorization URL", Cause: err}
	}
	p.setState(StateAwaitingAuthorization)

	p.recorder.AddPendingAuthorizations(ctx, 1)
	code, gotState, err := p.handler.Collect(ctx)
	p.recorder.AddPendingAuthorizations(ctx, -1)
	if err != nil {
		return "", p.classifyCollectError(err)
	}
	if code == "" {
		return "", &ConfigurationError{Reason: "authorization redirect returned no code"}
	}
	if subtle.ConstantTimeCompare([]byte(gotState), []byte(attempt.state)) != 1 {
		return "", &CancellationError{Detail: "authorization state mismatch"}
	}
	return code, nil
}

// classifyCollectError maps handler interruptions onto the error taxonomy.
// Handlers return bare context errors so classification happens here,
// uniformly across handler implementations.
func (p *Provider) classifyCollectError(err error) error {
	switch {
	case isTaxonomy(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Operation: "authorization callback", Timeout: p.timeout, Cause: err}
	case errors.Is(err, context.Canceled):
		return &CancellationError{Detail: "authorization canceled by caller"}
	default:
		return &ConfigurationError{Reason: "collecting authorization result", Cause: err}
	}
}

// exchange trades the authorization code for a token set.
func (p *Provider) exchange(ctx context.Context, meta *ServerMetadata, creds ClientCredentials, attempt *authorizationAttempt, code string) (*TokenSet, error) {
	ctx, span := p.tracer.Start(ctx, "auth.exchange")
	defer span.End()

	tokens, err := exchangeCode(ctx, exchangeOptions{
		Metadata:    meta,
		Credentials: creds,
		Code:        code,
		Verifier:    attempt.pkce.Verifier,
		RedirectURI: attempt.redirectURI,
		Resource:    p.resource,
		Fetch:       p.fetch,
	})
	p.recorder.RecordExchange(ctx, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return tokens, nil
}

// refreshLocked exchanges the refresh token for a new token set, retrying
// transient faults when configured, and persists the result.
func (p *Provider) refreshLocked(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, span := p.tracer.Start(ctx, "auth.refresh")
	defer span.End()

	p.setState(StateRefreshing)
	start := time.Now()

	meta, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := p.store.Credentials(ctx)
	if err != nil {
		return nil, &ConfigurationError{Reason: "reading client credentials", Cause: err}
	}
	if creds == nil {
		return nil, &ConfigurationError{Reason: "no client credentials held for token refresh"}
	}

	var tokens *TokenSet
	err = backoff.Execute(ctx, func() error {
		var opErr error
		tokens, opErr = refreshTokens(ctx, refreshOptions{
			Metadata:     meta,
			Credentials:  *creds,
			RefreshToken: refreshToken,
			Resource:     p.resource,
			Fetch:        p.fetch,
		})
		return opErr
	}, retryableRefresh, p.refreshRetry)
	p.recorder.RecordRefresh(ctx, err == nil)
	p.recorder.RecordFlowDuration(ctx, "refresh", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := p.store.SetTokens(ctx, *tokens); err != nil {
		return nil, &ConfigurationError{Reason: "persisting tokens", Cause: err}
	}
	p.setState(StateAuthorized)
	p.logger.Debugf("access token refreshed, expires %s", tokens.ExpiresAt())
	return tokens, nil
}

// retryableRefresh reports whether a refresh failure is transient: network
// faults, throttling, and server-side outages. Definitive rejections are
// never retried.
func retryableRefresh(err error) bool {
	if IsNetwork(err) {
		return true
	}
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	if serverErr.HTTPStatus == http.StatusTooManyRequests || serverErr.HTTPStatus >= 500 {
		return true
	}
	return errors.Is(err, ErrTemporarilyUnavailable) || errors.Is(err, ErrTooManyRequests)
}

// fail records a terminal flow failure and pins the state to Failed. A
// later top-level call may still start over from whatever the store holds.
func (p *Provider) fail(ctx context.Context, err error) error {
	p.setState(StateFailed)
	p.recorder.RecordFlowError(ctx, errorKind(err))
	p.logger.Errorf("authorization failed: %v", err)
	return err
}

// randomToken returns a fresh URL-safe token for the state parameter.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
