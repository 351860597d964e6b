package model

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Client with a token-bucket limiter so candidate fan-out
// and MAP PARALLEL workers stay within the provider's concurrency tolerance.
// Complete blocks until a token is available or the context is done.
type RateLimited struct {
	client  Client
	limiter *rate.Limiter
}

// NewRateLimited returns a Client limited to rps requests per second with the
// given burst.
func NewRateLimited(client Client, rps float64, burst int) *RateLimited {
	return &RateLimited{client: client, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Complete implements Client.
func (r *RateLimited) Complete(ctx context.Context, req Request) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	return r.client.Complete(ctx, req)
}
