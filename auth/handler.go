package auth

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
)

// AuthorizationHandler is the strategy for the interactive step of the
// authorization code flow. Present surfaces the authorization URL to
// whoever can approve it and must return without completing the flow;
// Collect blocks until the redirect parameters are available or ctx ends.
//
// Collect returns the ctx error unwrapped when the wait is interrupted, so
// the provider can classify deadline and cancellation uniformly.
type AuthorizationHandler interface {
	Present(ctx context.Context, authorizationURL *url.URL) error
	Collect(ctx context.Context) (code string, state string, err error)
}

// HeadlessHandler drives the flow over plain text streams for machines
// without a browser: Present writes the authorization URL to Out, Collect
// reads a whitespace-separated "code state" pair from In. In defaults to
// os.Stdin and Out to os.Stderr.
type HeadlessHandler struct {
	In  io.Reader
	Out io.Writer
}

var _ AuthorizationHandler = (*HeadlessHandler)(nil)

// Present prints the URL with instructions for completing the flow.
func (h *HeadlessHandler) Present(ctx context.Context, authorizationURL *url.URL) error {
	_, err := fmt.Fprintf(h.out(),
		"Visit the following URL to authorize this client:\n\n  %s\n\nThen paste the returned code and state, separated by a space: ",
		authorizationURL)
	if err != nil {
		return &ConfigurationError{Reason: "writing authorization prompt", Cause: err}
	}
	return nil
}

// Collect reads the code and state pair, honoring ctx while blocked on In.
func (h *HeadlessHandler) Collect(ctx context.Context) (string, string, error) {
	type scanned struct {
		code, state string
		err         error
	}
	results := make(chan scanned, 1)
	go func() {
		var code, state string
		_, err := fmt.Fscan(h.in(), &code, &state)
		results <- scanned{code: code, state: state, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case r := <-results:
		if r.err != nil {
			return "", "", &ConfigurationError{Reason: "reading authorization response", Cause: r.err}
		}
		return r.code, r.state, nil
	}
}

func (h *HeadlessHandler) in() io.Reader {
	if h.In != nil {
		return h.In
	}
	return os.Stdin
}

func (h *HeadlessHandler) out() io.Writer {
	if h.Out != nil {
		return h.Out
	}
	return os.Stderr
}

// CallbackResult carries redirect parameters pushed by an external
// component, typically a web application that owns the registered redirect
// URI.
type CallbackResult struct {
	Code        string
	State       string
	ErrorCode   string // error parameter from the callback, when the server redirected with one
	Description string // error_description parameter, if any
}

// ChannelHandler adapts an externally hosted redirect endpoint to the
// AuthorizationHandler contract: Present invokes OnPresent when set, and
// Collect waits for a CallbackResult pushed onto Results.
type ChannelHandler struct {
	Results   <-chan CallbackResult
	OnPresent func(ctx context.Context, authorizationURL *url.URL) error
}

var _ AuthorizationHandler = (*ChannelHandler)(nil)

// Present forwards the URL to OnPresent, or does nothing when unset.
func (h *ChannelHandler) Present(ctx context.Context, authorizationURL *url.URL) error {
	if h.OnPresent == nil {
		return nil
	}
	return h.OnPresent(ctx, authorizationURL)
}

// Collect waits for the externally delivered callback values.
func (h *ChannelHandler) Collect(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case r, ok := <-h.Results:
		if !ok {
			return "", "", &CancellationError{Detail: "callback channel closed before a result arrived"}
		}
		if r.ErrorCode != "" {
			return "", "", &CancellationError{
				Detail:      "authorization rejected",
				ErrorCode:   r.ErrorCode,
				Description: r.Description,
			}
		}
		return r.Code, r.State, nil
	}
}
