package generate

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Generator with a token-bucket rate limiter so that
// many concurrent jobs sharing one upstream model API do not exceed its
// sustained request rate. Waiting respects ctx cancellation.
type RateLimited struct {
	inner   Generator
	limiter *rate.Limiter
}

// NewRateLimited wraps gen with a limiter allowing rps requests per
// second with the given burst. A burst below 1 is treated as 1.
func NewRateLimited(gen Generator, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   gen,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Generate blocks until the limiter grants a token, then delegates to the
// wrapped generator.
func (r *RateLimited) Generate(ctx context.Context, uc *Context) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Generate(ctx, uc)
}
