// Package h1 implements the HTTP/1.x connection core on top of gnet: a byte
// decoder producing request frames, the request accumulator, the frame writer
// and the per-connection driver.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/albertbausili/alembic/internal/wire"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
)

// DefaultMaxHeaderBytes bounds the request line plus header block.
const DefaultMaxHeaderBytes = 1 << 20

// maxChunkLine bounds a chunk-size line, extensions included.
const maxChunkLine = 1024

var (
	// ErrHTTP2Unsupported is returned when a client opens with the HTTP/2 preface.
	ErrHTTP2Unsupported = errors.New("h1: HTTP/2 is not supported")
	// ErrHeaderTooLarge is returned when the header block exceeds the limit.
	ErrHeaderTooLarge = errors.New("h1: request header too large")
	// ErrMalformed wraps every syntax error found on the wire.
	ErrMalformed = errors.New("h1: malformed request")
)

var (
	crlf     = []byte("\r\n")
	bHTTP11  = []byte("HTTP/1.1")
	bHTTP10  = []byte("HTTP/1.0")
	bGET     = []byte("GET")
	sGET     = "GET"
	sHTTP11  = "HTTP/1.1"
	sHTTP10  = "HTTP/1.0"
	h2Prefix = []byte(http2.ClientPreface[:strings.Index(http2.ClientPreface, "\r\n")])
)

type decodeState uint8

const (
	stateHead decodeState = iota
	stateFixedBody
	stateChunkSize
	stateChunkData
	stateChunkDataCRLF
	stateTrailer
	stateDead
)

// Decoder turns a byte stream into inbound frames. It keeps only the bytes of
// an incomplete head or chunk header; body bytes are emitted as they arrive.
type Decoder struct {
	buf            []byte
	state          decodeState
	remaining      int64
	maxHeaderBytes int
}

// NewDecoder creates a decoder. A non-positive limit selects DefaultMaxHeaderBytes.
func NewDecoder(maxHeaderBytes int) *Decoder {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Decoder{maxHeaderBytes: maxHeaderBytes}
}

// Decode consumes data and appends every complete frame to frames.
// After an error the decoder is dead and the connection must be dropped.
func (d *Decoder) Decode(data []byte, frames []wire.InboundFrame) ([]wire.InboundFrame, error) {
	if d.state == stateDead {
		return frames, ErrMalformed
	}
	d.buf = append(d.buf, data...)

	pos := 0
	for pos < len(d.buf) {
		n, out, err := d.step(d.buf[pos:], frames)
		frames = out
		if err != nil {
			d.state = stateDead
			d.buf = nil
			return frames, err
		}
		if n == 0 {
			break
		}
		pos += n
	}

	// Keep only the unconsumed tail.
	rest := copy(d.buf, d.buf[pos:])
	d.buf = d.buf[:rest]
	return frames, nil
}

// step consumes at most one syntactic unit. It returns 0 when more data is needed.
func (d *Decoder) step(b []byte, frames []wire.InboundFrame) (int, []wire.InboundFrame, error) {
	switch d.state {
	case stateHead:
		return d.parseHead(b, frames)

	case stateFixedBody:
		n := int64(len(b))
		if n > d.remaining {
			n = d.remaining
		}
		chunk := make([]byte, n)
		copy(chunk, b[:n])
		frames = append(frames, wire.BodyFrame(chunk))
		d.remaining -= n
		if d.remaining == 0 {
			frames = append(frames, wire.EndFrame())
			d.state = stateHead
		}
		return int(n), frames, nil

	case stateChunkSize:
		lineEnd := bytes.Index(b, crlf)
		if lineEnd > maxChunkLine || (lineEnd == -1 && len(b) > maxChunkLine) {
			return 0, frames, fmt.Errorf("%w: chunk size line too long", ErrMalformed)
		}
		if lineEnd == -1 {
			return 0, frames, nil
		}
		sizeLine := b[:lineEnd]
		// Chunk extensions are ignored.
		if semi := bytes.IndexByte(sizeLine, ';'); semi != -1 {
			sizeLine = sizeLine[:semi]
		}
		size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
		if err != nil || size < 0 {
			return 0, frames, fmt.Errorf("%w: invalid chunk size", ErrMalformed)
		}
		if size == 0 {
			d.state = stateTrailer
		} else {
			d.remaining = size
			d.state = stateChunkData
		}
		return lineEnd + 2, frames, nil

	case stateChunkData:
		n := int64(len(b))
		if n > d.remaining {
			n = d.remaining
		}
		chunk := make([]byte, n)
		copy(chunk, b[:n])
		frames = append(frames, wire.BodyFrame(chunk))
		d.remaining -= n
		if d.remaining == 0 {
			d.state = stateChunkDataCRLF
		}
		return int(n), frames, nil

	case stateChunkDataCRLF:
		if len(b) < 2 {
			return 0, frames, nil
		}
		if b[0] != '\r' || b[1] != '\n' {
			return 0, frames, fmt.Errorf("%w: missing CRLF after chunk", ErrMalformed)
		}
		d.state = stateChunkSize
		return 2, frames, nil

	case stateTrailer:
		lineEnd := bytes.Index(b, crlf)
		if lineEnd > d.maxHeaderBytes || (lineEnd == -1 && len(b) > d.maxHeaderBytes) {
			return 0, frames, ErrHeaderTooLarge
		}
		if lineEnd == -1 {
			return 0, frames, nil
		}
		if lineEnd == 0 {
			frames = append(frames, wire.EndFrame())
			d.state = stateHead
		}
		// Trailer fields are discarded.
		return lineEnd + 2, frames, nil
	}
	return 0, frames, ErrMalformed
}

// parseHead parses the request line and header block, emitting a head frame
// and, for requests without a body, the end frame.
func (d *Decoder) parseHead(b []byte, frames []wire.InboundFrame) (int, []wire.InboundFrame, error) {
	// Tolerate empty lines between requests (RFC 9112 section 2.2).
	if bytes.HasPrefix(b, crlf) {
		return 2, frames, nil
	}
	if bytes.HasPrefix(b, h2Prefix) {
		return 0, frames, ErrHTTP2Unsupported
	}

	end := bytes.Index(b, []byte("\r\n\r\n"))
	if end == -1 {
		if len(b) > d.maxHeaderBytes {
			return 0, frames, ErrHeaderTooLarge
		}
		return 0, frames, nil
	}
	if end+4 > d.maxHeaderBytes {
		return 0, frames, ErrHeaderTooLarge
	}

	block := b[:end+2]
	lineEnd := bytes.Index(block, crlf)
	head, err := parseRequestLine(block[:lineEnd])
	if err != nil {
		return 0, frames, err
	}

	chunked, err := parseHeaders(block[lineEnd+2:], &head)
	if err != nil {
		return 0, frames, err
	}
	_, hasLength := head.Header.Lookup("content-length")
	if chunked && hasLength {
		return 0, frames, fmt.Errorf("%w: both content-length and chunked transfer-encoding", ErrMalformed)
	}
	if head.Version == sHTTP11 && !head.Header.Has("host") {
		return 0, frames, fmt.Errorf("%w: missing Host header", ErrMalformed)
	}

	var length int64
	if hasLength {
		v := strings.TrimSpace(head.Header.Get("content-length"))
		length, err = strconv.ParseInt(v, 10, 64)
		if err != nil || length < 0 {
			return 0, frames, fmt.Errorf("%w: invalid content-length %q", ErrMalformed, v)
		}
	}

	frames = append(frames, wire.HeadFrame(head))
	switch {
	case chunked:
		d.state = stateChunkSize
	case length > 0:
		d.remaining = length
		d.state = stateFixedBody
	default:
		frames = append(frames, wire.EndFrame())
	}
	return end + 4, frames, nil
}

// parseRequestLine parses METHOD SP TARGET SP VERSION.
func parseRequestLine(line []byte) (wire.RequestHead, error) {
	var head wire.RequestHead
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return head, fmt.Errorf("%w: invalid request line", ErrMalformed)
	}
	if bytes.Equal(parts[0], bGET) {
		head.Method = sGET
	} else {
		if !httpguts.ValidHeaderFieldName(string(parts[0])) {
			return head, fmt.Errorf("%w: invalid method", ErrMalformed)
		}
		head.Method = string(parts[0])
	}
	head.Path = string(parts[1])
	switch {
	case bytes.Equal(parts[2], bHTTP11):
		head.Version = sHTTP11
		head.KeepAlive = true
	case bytes.Equal(parts[2], bHTTP10):
		head.Version = sHTTP10
	default:
		return head, fmt.Errorf("%w: unsupported HTTP version %q", ErrMalformed, parts[2])
	}
	return head, nil
}

// parseHeaders fills head.Header from the header block and applies the
// Connection header to head.KeepAlive. It reports chunked transfer-encoding.
func parseHeaders(block []byte, head *wire.RequestHead) (bool, error) {
	head.Header = make(wire.Header, 0, 16)
	var connection []string
	chunked := false

	for len(block) > 0 {
		lineEnd := bytes.Index(block, crlf)
		line := block[:lineEnd]
		block = block[lineEnd+2:]

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return false, fmt.Errorf("%w: invalid header line", ErrMalformed)
		}
		name := string(line[:colon])
		value := string(bytes.TrimSpace(line[colon+1:]))
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return false, fmt.Errorf("%w: invalid header %q", ErrMalformed, name)
		}
		head.Header.Add(name, value)

		switch {
		case strings.EqualFold(name, "connection"):
			connection = append(connection, value)
		case strings.EqualFold(name, "transfer-encoding"):
			if httpguts.HeaderValuesContainsToken([]string{value}, "chunked") {
				chunked = true
			}
		}
	}

	if httpguts.HeaderValuesContainsToken(connection, "close") {
		head.KeepAlive = false
	} else if httpguts.HeaderValuesContainsToken(connection, "keep-alive") {
		head.KeepAlive = true
	}
	return chunked, nil
}
