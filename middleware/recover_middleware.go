package middleware

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"go.uber.org/zap"

	"tiny-ipc/ipcerr"
)

// Recover turns a handler panic into an Internal error and logs the stack.
func Recover(log *zap.SugaredLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorw("handler panicked", "method", method, "panic", r, "stack", string(debug.Stack()))
					result, err = nil, ipcerr.Internalf(nil, "panic in %s: %v", method, r)
				}
			}()
			return next(ctx, method, params)
		}
	}
}
