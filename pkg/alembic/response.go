package alembic

import (
	"encoding/json"
	"fmt"

	"github.com/albertbausili/alembic/internal/wire"
)

// MIME types used by the response helpers.
const (
	MIMEApplicationJSON = "application/json; charset=utf-8"
	MIMETextPlain       = "text/plain; charset=utf-8"
	MIMETextHTML        = "text/html; charset=utf-8"
)

// NewResponse returns a response with the given status and no body.
func NewResponse(code int) *Response {
	return &Response{Head: wire.ResponseHead{Status: wire.NewStatus(code)}}
}

// NoContent returns a 204 response.
func NoContent() *Response {
	return NewResponse(204)
}

// Data returns a response carrying b with the given MIME type.
func Data(code int, mimeType string, b []byte) *Response {
	resp := NewResponse(code)
	resp.Body = &Body{Data: b, MimeType: mimeType}
	return resp
}

// Text returns a plain text response. Arguments are applied with fmt.Sprintf
// when present.
func Text(code int, format string, args ...any) *Response {
	if len(args) > 0 {
		format = fmt.Sprintf(format, args...)
	}
	return Data(code, MIMETextPlain, []byte(format))
}

// HTML returns an HTML response.
func HTML(code int, html string) *Response {
	return Data(code, MIMETextHTML, []byte(html))
}

// JSON serializes v as the response body.
func JSON(code int, v any) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("alembic: encode response: %w", err)
	}
	return Data(code, MIMEApplicationJSON, data), nil
}

// Redirect returns a redirect to location. Codes outside 3xx become 302.
func Redirect(code int, location string) *Response {
	if code < 300 || code > 399 {
		code = 302
	}
	return NewResponse(code).SetHeader("location", location)
}
