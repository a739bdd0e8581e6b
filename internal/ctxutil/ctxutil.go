// Package ctxutil provides context helpers for cleanup paths that must
// run to completion even when the caller's context is already canceled.
package ctxutil

import (
	"context"
	"time"
)

// WithoutCancel returns a context that inherits values from parent but
// none of its cancellation or deadline. Teardown of a callback listener
// uses this so a caller-initiated cancel still releases the socket.
func WithoutCancel(parent context.Context) context.Context {
	if parent == nil {
		panic("ctxutil: nil parent context")
	}
	return detachedCtx{parent}
}

// detachedCtx forwards Value lookups to the wrapped context and reports
// no deadline, no done channel, and no error.
type detachedCtx struct {
	context.Context
}

func (detachedCtx) Deadline() (deadline time.Time, ok bool) { return }

func (detachedCtx) Done() <-chan struct{} { return nil }

func (detachedCtx) Err() error { return nil }

func (c detachedCtx) Value(key any) any { return c.Context.Value(key) }

func (detachedCtx) String() string { return "ctxutil.detached" }
