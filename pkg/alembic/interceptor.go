package alembic

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNextCalledTwice is returned when an interceptor invokes next more than once.
var ErrNextCalledTwice = errors.New("alembic: next called more than once")

// Next invokes the remainder of the chain.
type Next func(ctx context.Context, req *Request) (*Response, error)

// Interceptor observes or transforms a request before passing it on, and the
// response on its way back. Not calling next short-circuits the chain.
type Interceptor interface {
	Intercept(ctx context.Context, req *Request, next Next) (*Response, error)
}

// InterceptorFunc is an adapter to allow ordinary functions to be used as interceptors.
type InterceptorFunc func(ctx context.Context, req *Request, next Next) (*Response, error)

// Intercept calls f(ctx, req, next).
func (f InterceptorFunc) Intercept(ctx context.Context, req *Request, next Next) (*Response, error) {
	return f(ctx, req, next)
}

// Compose wraps final with interceptors so that interceptors[0] runs first.
func Compose(interceptors []Interceptor, final Handler) Handler {
	h := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		h = link(interceptors[i], h)
	}
	return h
}

func link(m Interceptor, inner Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		var called atomic.Bool
		next := func(ctx context.Context, req *Request) (*Response, error) {
			if called.Swap(true) {
				return nil, ErrNextCalledTwice
			}
			return inner.Handle(ctx, req)
		}
		return m.Intercept(ctx, req, next)
	})
}
