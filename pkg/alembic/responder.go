package alembic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Resolver finds the handler for a method and path.
type Resolver interface {
	Resolve(method, path string) (Handler, bool)
}

// Responder turns every assembled request into exactly one response. Handler
// errors, panics and missing responses are converted here and nowhere else.
type Responder struct {
	resolver     Resolver
	logger       *slog.Logger
	mu           sync.RWMutex
	interceptors []Interceptor
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithInterceptors appends interceptors in the order given.
func WithInterceptors(interceptors ...Interceptor) ResponderOption {
	return func(r *Responder) {
		r.interceptors = append(r.interceptors, interceptors...)
	}
}

// WithLogger sets the logger used for unexpected failures.
func WithLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResponder creates a Responder dispatching to handlers found by resolver.
func NewResponder(resolver Resolver, opts ...ResponderOption) *Responder {
	r := &Responder{
		resolver: resolver,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Use appends interceptors. Requests already being dispatched keep the chain
// they started with.
func (r *Responder) Use(interceptors ...Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interceptors = append(r.interceptors[:len(r.interceptors):len(r.interceptors)], interceptors...)
}

func (r *Responder) chain() []Interceptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interceptors
}

// Respond runs the interceptor chain and the resolved handler for req.
func (r *Responder) Respond(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in handler",
				"method", req.Method(), "path", req.Path(),
				"panic", p, "stack", string(debug.Stack()))
			resp = serverError()
		}
	}()

	h := Compose(r.chain(), HandlerFunc(r.dispatch))
	resp, err := h.Handle(withRouteMatch(ctx), req)
	if err != nil {
		return r.errorResponse(req, err)
	}
	if resp == nil {
		r.logger.Error("handler returned no response", "method", req.Method(), "path", req.Path())
		return serverError()
	}
	return resp
}

func (r *Responder) dispatch(ctx context.Context, req *Request) (*Response, error) {
	h, ok := r.resolver.Resolve(req.Method(), req.Path())
	if !ok {
		return nil, ErrNotFound
	}
	return h.Handle(ctx, req)
}

func (r *Responder) errorResponse(req *Request, err error) *Response {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return jsonResponse(400, map[string]string{"validation_error": verr.Error()})
	}

	var herr *HTTPError
	if errors.As(err, &herr) {
		if herr.Message == "" {
			return NewResponse(herr.Code)
		}
		return jsonResponse(herr.Code, map[string]string{"message": herr.Message})
	}

	r.logger.Error("unhandled error", "method", req.Method(), "path", req.Path(), "error", err)
	return serverError()
}

// jsonResponse encodes a payload that is known to be serializable.
func jsonResponse(code int, v map[string]string) *Response {
	data, _ := json.Marshal(v)
	return Data(code, MIMEApplicationJSON, data)
}

func serverError() *Response {
	return Text(500, "server error")
}
