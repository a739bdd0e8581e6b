package auth

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/grll/mcpadapt/internal/ctxutil"
)

// Defaults for the local callback listener.
const (
	DefaultCallbackPort = 3030
	DefaultCallbackPath = "/callback"
)

// listenerShutdownTimeout bounds the HTTP server teardown after Collect
// returns.
const listenerShutdownTimeout = 5 * time.Second

const callbackSuccessHTML = `<!DOCTYPE html>
<html>
<head><title>Authorization Successful</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h1>Authorization Successful!</h1>
<p>You can close this window and return to the application.</p>
<script>setTimeout(function() { window.close(); }, 1000);</script>
</body>
</html>
`

const callbackErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h1>Authorization Failed</h1>
<p>%s</p>
<p>You can close this window.</p>
</body>
</html>
`

// ListenerOption configures a LocalCallbackListener.
type ListenerOption func(*LocalCallbackListener)

// WithCallbackPort sets the loopback port, default 3030. Port 0 binds an
// ephemeral port, readable from Addr after Present.
func WithCallbackPort(port int) ListenerOption {
	return func(l *LocalCallbackListener) {
		l.port = port
	}
}

// WithCallbackPath sets the redirect path, default /callback.
func WithCallbackPath(path string) ListenerOption {
	return func(l *LocalCallbackListener) {
		l.path = path
	}
}

// WithListenerTimeout bounds Collect independently of the caller context,
// default 300s.
func WithListenerTimeout(timeout time.Duration) ListenerOption {
	return func(l *LocalCallbackListener) {
		l.timeout = timeout
	}
}

// WithListenerLogger sets the logger, default the zap-backed one.
func WithListenerLogger(logger Logger) ListenerOption {
	return func(l *LocalCallbackListener) {
		l.logger = logger
	}
}

// WithBrowserOpener replaces the platform browser launcher, mainly for
// tests and kiosk-style environments.
func WithBrowserOpener(open func(rawURL string) error) ListenerOption {
	return func(l *LocalCallbackListener) {
		l.openBrowser = open
	}
}

type callbackResult struct {
	code  string
	state string
	err   error
}

// LocalCallbackListener is the reference AuthorizationHandler for desktop
// use: Present binds a short-lived loopback HTTP listener and launches the
// browser at the authorization URL; Collect waits for exactly one redirect
// request and tears the listener down on every exit path.
//
// The listener is single-use per attempt: after the first accepted
// callback, later requests receive 410 Gone. A fresh Present rearms it, so
// one value can serve consecutive attempts.
type LocalCallbackListener struct {
	port        int
	path        string
	timeout     time.Duration
	logger      Logger
	openBrowser func(rawURL string) error

	mu       sync.Mutex
	server   *http.Server
	addr     string
	results  chan callbackResult
	consumed bool
}

var _ AuthorizationHandler = (*LocalCallbackListener)(nil)

// NewLocalCallbackListener builds a listener with the given options.
// Nothing is bound until Present.
func NewLocalCallbackListener(opts ...ListenerOption) *LocalCallbackListener {
	l := &LocalCallbackListener{
		port:        DefaultCallbackPort,
		path:        DefaultCallbackPath,
		timeout:     DefaultTimeout,
		openBrowser: openBrowser,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = NewLogger()
	}
	return l
}

// RedirectURI returns the redirect URI matching the configured port and
// path, for use in ClientMetadata.
func (l *LocalCallbackListener) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", l.port, l.path)
}

// Addr returns the bound listen address, or "" before Present.
func (l *LocalCallbackListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Present binds the loopback listener and opens the browser at the
// authorization URL. Launch failures are logged and the URL printed; only
// a bind failure is fatal.
func (l *LocalCallbackListener) Present(ctx context.Context, authorizationURL *url.URL) error {
	l.mu.Lock()
	if l.server != nil {
		l.mu.Unlock()
		return &ConfigurationError{Reason: "callback listener already active"}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", l.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.mu.Unlock()
		return &ConfigurationError{Reason: fmt.Sprintf("binding callback listener on %s", addr), Cause: err}
	}

	l.addr = ln.Addr().String()
	l.results = make(chan callbackResult, 1)
	l.consumed = false
	server := &http.Server{Handler: http.HandlerFunc(l.handleCallback)}
	l.server = server
	l.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Warnf("callback listener stopped: %v", err)
		}
	}()
	l.logger.Debugf("callback listener bound on %s, path %s", l.addr, l.path)

	if err := l.openBrowser(authorizationURL.String()); err != nil {
		l.logger.Warnf("could not launch browser: %v", err)
		l.logger.Infof("open this URL to continue authorization: %s", authorizationURL)
	}
	return nil
}

// Collect waits for the first callback, the caller context, or the
// listener timeout, whichever comes first. The listener is torn down on
// every return path.
func (l *LocalCallbackListener) Collect(ctx context.Context) (string, string, error) {
	l.mu.Lock()
	started := l.server != nil
	results := l.results
	l.mu.Unlock()
	if !started {
		return "", "", &ConfigurationError{Reason: "callback listener not started"}
	}
	defer l.teardown(ctx)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-timer.C:
		return "", "", &TimeoutError{Operation: "authorization callback", Timeout: l.timeout}
	case r := <-results:
		if r.err != nil {
			return "", "", r.err
		}
		return r.code, r.state, nil
	}
}

func (l *LocalCallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}

	l.mu.Lock()
	if l.consumed {
		l.mu.Unlock()
		http.Error(w, "authorization response already received", http.StatusGone)
		return
	}
	l.consumed = true
	results := l.results
	l.mu.Unlock()

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		description := query.Get("error_description")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		detail := errCode
		if description != "" {
			detail += ": " + description
		}
		fmt.Fprintf(w, callbackErrorHTML, html.EscapeString(detail))
		results <- callbackResult{err: &CancellationError{
			Detail:      "authorization rejected",
			ErrorCode:   errCode,
			Description: description,
		}}
		return
	}

	code := query.Get("code")
	if code == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackErrorHTML, "the authorization response carried no code")
		results <- callbackResult{err: &ConfigurationError{Reason: "authorization callback missing code parameter"}}
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, callbackSuccessHTML)
	results <- callbackResult{code: code, state: query.Get("state")}
}

// teardown stops the HTTP server and releases the port. It runs detached
// from the caller's cancellation so an interrupted Collect still frees the
// socket, bounded by listenerShutdownTimeout.
func (l *LocalCallbackListener) teardown(ctx context.Context) {
	l.mu.Lock()
	server := l.server
	l.server = nil
	l.addr = ""
	l.mu.Unlock()
	if server == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctxutil.WithoutCancel(ctx), listenerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.logger.Warnf("callback listener shutdown: %v", err)
		server.Close()
	}
}

// openBrowser launches the platform browser for the given URL.
func openBrowser(rawURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", rawURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL)
	default:
		cmd = exec.Command("xdg-open", rawURL)
	}
	return cmd.Start()
}
