package middleware

import (
	"context"
	"time"

	"github.com/xraph/folio/book"
)

// Timeout returns middleware that enforces a per-attempt execution
// deadline around the generator call. When the deadline is exceeded the
// context is cancelled and the handler returns
// context.DeadlineExceeded, which classifies as a timeout failure.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *book.ChapterUnit, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
