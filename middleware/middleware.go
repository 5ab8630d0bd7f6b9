// Package middleware wraps worker handlers with cross-cutting behaviour.
package middleware

import (
	"context"
	"errors"
	"mqauth/message"
)

// HandlerFunc executes one request. A domain failure is a Response with
// Success false; an error means the handler itself broke.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one given runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// IsTemporary reports whether err, or anything it wraps, says it is worth
// retrying.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
