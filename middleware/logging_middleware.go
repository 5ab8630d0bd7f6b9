package middleware

import (
	"context"
	"mqauth/message"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every request with its outcome and duration.
// Payloads are never logged: they carry password hashes.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("operation", string(req.Operation)),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Error("request failed", append(fields, zap.Error(err))...)
			case resp != nil && !resp.Success:
				logger.Info("request rejected", append(fields, zap.String("message", resp.Message))...)
			default:
				logger.Debug("request handled", fields...)
			}
			return resp, err
		}
	}
}
