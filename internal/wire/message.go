package wire

import "net/http"

// Request is a fully assembled inbound request.
// Body is nil unless the head declared a positive content-length.
type Request struct {
	Head RequestHead
	Body []byte
}

// Method returns the request method.
func (r *Request) Method() string { return r.Head.Method }

// Path returns the request target as received, query string included.
func (r *Request) Path() string { return r.Head.Path }

// RemoteAddr returns the peer address, if known.
func (r *Request) RemoteAddr() string { return r.Head.RemoteAddr }

// Header returns the request headers.
func (r *Request) Header() Header { return r.Head.Header }

// Status is a response status code with its reason phrase.
type Status struct {
	Code   int
	Reason string
}

// NewStatus returns code paired with its canonical reason phrase.
func NewStatus(code int) Status {
	return Status{Code: code, Reason: http.StatusText(code)}
}

// Text returns the reason phrase, falling back to the canonical one.
func (s Status) Text() string {
	if s.Reason != "" {
		return s.Reason
	}
	if t := http.StatusText(s.Code); t != "" {
		return t
	}
	return "Unknown"
}

// ResponseHead is the status line plus header block of a response.
type ResponseHead struct {
	Status Status
	Header Header
}

// Body is a response payload with an optional MIME type.
type Body struct {
	Data     []byte
	MimeType string
}

// Response is a complete outbound response.
type Response struct {
	Head ResponseHead
	Body *Body
}

// StatusCode returns the numeric status of the response.
func (r *Response) StatusCode() int { return r.Head.Status.Code }

// BodyLen returns the byte length of the body, 0 when there is none.
func (r *Response) BodyLen() int {
	if r.Body == nil {
		return 0
	}
	return len(r.Body.Data)
}

// SetHeader sets a response header, replacing existing values, and returns r.
func (r *Response) SetHeader(name, value string) *Response {
	r.Head.Header.Set(name, value)
	return r
}
