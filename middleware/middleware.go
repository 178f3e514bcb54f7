// Package middleware provides composable middleware for chapter unit
// execution. Middleware wraps the generator call synchronously and can
// modify execution (recover from panics, enforce timeouts, log, record
// metrics and traces).
package middleware

import (
	"context"

	"github.com/xraph/folio/book"
)

// Handler is the terminal function that executes one unit attempt.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the unit being executed, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, u *book.ChapterUnit, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, u *book.ChapterUnit, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, u, prev)
			}
		}
		return h(ctx)
	}
}
