package middleware

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"tiny-ipc/ipcerr"
)

// RateLimit rejects calls beyond r per second (token bucket with the given burst).
// Rejected calls answer Internal without reaching the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			if !limiter.Allow() {
				return nil, ipcerr.New(ipcerr.Internal, "rate limit exceeded", nil)
			}
			return next(ctx, method, params)
		}
	}
}
