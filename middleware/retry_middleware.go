package middleware

import (
	"context"
	"mqauth/message"
	"time"

	"go.uber.org/zap"
)

// RetryMiddleware re-runs the handler on temporary errors with exponential
// backoff starting at baseDelay. Other errors and all responses, including
// domain failures, return immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && IsTemporary(err); i++ {
				logger.Warn("retrying request",
					zap.String("operation", string(req.Operation)),
					zap.Int("attempt", i+1),
					zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
