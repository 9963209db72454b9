package middleware

import (
	"context"
	"encoding/json"
	"time"

	"tiny-ipc/ipcerr"
)

type outcome struct {
	result any
	err    error
}

// Timeout answers DeadlineExceeded when the handler runs longer than timeout. The handler
// keeps running in the background; it sees the cancellation on its context.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{err: ipcerr.Internalf(nil, "panic in %s: %v", method, r)}
					}
				}()
				result, err := next(ctx, method, params)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, ipcerr.DeadlineExceededf(ctx.Err(), "%s: handler timed out after %s", method, timeout)
			}
		}
	}
}
