package middleware

import (
	"context"
	"errors"
	"mqauth/message"
	"time"
)

var ErrHandlerTimeout = errors.New("handler timed out")

type handlerResult struct {
	resp *message.Response
	err  error
}

// TimeOutMiddleware bounds the handler. The handler keeps running after the
// deadline but its result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan handlerResult, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- handlerResult{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}
