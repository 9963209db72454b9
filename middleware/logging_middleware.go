package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"tiny-ipc/ipcerr"
)

// Logging logs every call with its duration. Failed calls are logged at warn level with
// their classified code.
func Logging(log *zap.SugaredLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			start := time.Now()
			result, err := next(ctx, method, params)
			duration := time.Since(start)
			if err != nil {
				log.Warnw("call failed", "method", method, "duration", duration,
					"code", ipcerr.Classify(err), "err", err)
				return result, err
			}
			log.Debugw("call", "method", method, "duration", duration)
			return result, nil
		}
	}
}
