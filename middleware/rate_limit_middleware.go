package middleware

import (
	"context"
	"mqauth/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits r requests per second with the given burst, token
// bucket style. Rejected requests get a domain failure so the caller is
// answered rather than left to time out.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return message.Failure("rate limit exceeded"), nil
			}
			return next(ctx, req)
		}
	}
}
