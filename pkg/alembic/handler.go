package alembic

import (
	"context"

	"github.com/albertbausili/alembic/internal/wire"
)

type (
	// Request is a fully assembled inbound request.
	Request = wire.Request
	// Response is a complete outbound response.
	Response = wire.Response
	// Header is an ordered, case-insensitive header list.
	Header = wire.Header
	// Body is a response payload with an optional MIME type.
	Body = wire.Body
	// Status is a status code with its reason phrase.
	Status = wire.Status
)

// Handler produces the response for a request. Returned errors are mapped to
// responses by the Responder.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
