package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestHeadlessHandlerPresent(t *testing.T) {
	var out bytes.Buffer
	h := &HeadlessHandler{Out: &out}

	u, _ := url.Parse("https://as.example.com/authorize?client_id=abc")
	if err := h.Present(context.Background(), u); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if !strings.Contains(out.String(), u.String()) {
		t.Errorf("Present() output %q does not contain the authorization URL", out.String())
	}
}

func TestHeadlessHandlerCollect(t *testing.T) {
	h := &HeadlessHandler{
		In:  strings.NewReader("abc123 state-token\n"),
		Out: &bytes.Buffer{},
	}

	code, state, err := h.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if code != "abc123" {
		t.Errorf("Collect() code = %q, want %q", code, "abc123")
	}
	if state != "state-token" {
		t.Errorf("Collect() state = %q, want %q", state, "state-token")
	}
}

func TestHeadlessHandlerCollectTruncatedInput(t *testing.T) {
	h := &HeadlessHandler{
		In:  strings.NewReader("only-a-code"),
		Out: &bytes.Buffer{},
	}

	_, _, err := h.Collect(context.Background())
	if err == nil {
		t.Fatal("Collect() expected error for truncated input")
	}
	if !IsConfiguration(err) {
		t.Errorf("Collect() error = %v, want a ConfigurationError", err)
	}
}

func TestHeadlessHandlerCollectContextCanceled(t *testing.T) {
	// A pipe with no writer keeps the scan goroutine blocked.
	blocked, _ := io.Pipe()
	h := &HeadlessHandler{In: blocked, Out: &bytes.Buffer{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := h.Collect(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Collect() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Collect() did not return after context cancellation")
	}
}

func TestChannelHandlerCollect(t *testing.T) {
	results := make(chan CallbackResult, 1)
	h := &ChannelHandler{Results: results}

	results <- CallbackResult{Code: "abc123", State: "state-token"}
	code, state, err := h.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if code != "abc123" || state != "state-token" {
		t.Errorf("Collect() = (%q, %q), want (abc123, state-token)", code, state)
	}
}

func TestChannelHandlerCollectRejection(t *testing.T) {
	results := make(chan CallbackResult, 1)
	h := &ChannelHandler{Results: results}

	results <- CallbackResult{ErrorCode: "access_denied", Description: "user said no"}
	_, _, err := h.Collect(context.Background())
	if err == nil {
		t.Fatal("Collect() expected error for a rejected authorization")
	}
	if !IsCancellation(err) {
		t.Errorf("Collect() error = %v, want a CancellationError", err)
	}
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("errors.Is(err, ErrAccessDenied) = false for %v", err)
	}
}

func TestChannelHandlerCollectClosedChannel(t *testing.T) {
	results := make(chan CallbackResult)
	close(results)
	h := &ChannelHandler{Results: results}

	_, _, err := h.Collect(context.Background())
	if !IsCancellation(err) {
		t.Errorf("Collect() error = %v, want a CancellationError", err)
	}
}

func TestChannelHandlerCollectContextCanceled(t *testing.T) {
	h := &ChannelHandler{Results: make(chan CallbackResult)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := h.Collect(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Collect() error = %v, want context.Canceled", err)
	}
}

func TestChannelHandlerPresent(t *testing.T) {
	var presented *url.URL
	h := &ChannelHandler{
		Results: make(chan CallbackResult),
		OnPresent: func(ctx context.Context, authorizationURL *url.URL) error {
			presented = authorizationURL
			return nil
		},
	}

	u, _ := url.Parse("https://as.example.com/authorize")
	if err := h.Present(context.Background(), u); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if presented != u {
		t.Errorf("Present() forwarded %v, want %v", presented, u)
	}

	bare := &ChannelHandler{Results: make(chan CallbackResult)}
	if err := bare.Present(context.Background(), u); err != nil {
		t.Errorf("Present() without OnPresent error = %v, want nil", err)
	}
}
