// Package middleware wraps worker method handlers.
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//
// A runs first on the way in and last on the way out.
package middleware

import (
	"context"
	"encoding/json"
)

// HandlerFunc serves one method call. A nil error with a nil result answers JSON null.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

// ServeIPC calls f.
func (f HandlerFunc) ServeIPC(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
