package h1

import (
	"errors"
	"strconv"
	"strings"

	"github.com/albertbausili/alembic/internal/wire"
)

// DefaultMaxBodySize is the largest content-length accepted by default (50 MB).
const DefaultMaxBodySize int64 = 50_000_000

var (
	// ErrBodyTooLarge is returned when a head declares a body above the ceiling.
	// The connection must be closed without writing a response.
	ErrBodyTooLarge = errors.New("h1: declared body exceeds maximum size")
	// ErrShortBody is returned when End arrives before the declared body did.
	ErrShortBody = errors.New("h1: request ended before declared body was received")
)

// Accumulator assembles one request at a time from inbound frames.
// It is owned by a single connection and is not safe for concurrent use.
type Accumulator struct {
	maxBody            int64
	pending            *wire.Request
	declared           int64
	closeAfterResponse bool
}

// NewAccumulator creates an accumulator with the given body ceiling.
// A non-positive ceiling selects DefaultMaxBodySize.
func NewAccumulator(maxBody int64) *Accumulator {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	return &Accumulator{
		maxBody:            maxBody,
		closeAfterResponse: true,
	}
}

// Consume applies one frame. It returns the assembled request when f is the End
// of a request cycle, and nil otherwise.
func (a *Accumulator) Consume(f wire.InboundFrame) (*wire.Request, error) {
	switch f.Kind {
	case wire.FrameHead:
		return nil, a.onHead(f.Head)
	case wire.FrameBody:
		a.onBody(f.Chunk)
		return nil, nil
	case wire.FrameEnd:
		return a.onEnd()
	default:
		return nil, nil
	}
}

func (a *Accumulator) onHead(head *wire.RequestHead) error {
	if head == nil {
		return nil
	}
	// A new head abandons any request that never saw its End.
	a.pending = nil

	length := ContentLength(head.Header)
	if length > a.maxBody {
		return ErrBodyTooLarge
	}

	req := &wire.Request{Head: *head}
	if length > 0 {
		req.Body = make([]byte, 0, length)
	}
	a.pending = req
	a.declared = length
	a.closeAfterResponse = !head.KeepAlive
	return nil
}

func (a *Accumulator) onBody(chunk []byte) {
	if a.pending == nil || a.pending.Body == nil {
		// No head, or no body declared: dropped.
		return
	}
	room := a.declared - int64(len(a.pending.Body))
	if room <= 0 {
		return
	}
	if int64(len(chunk)) > room {
		chunk = chunk[:room]
	}
	a.pending.Body = append(a.pending.Body, chunk...)
}

func (a *Accumulator) onEnd() (*wire.Request, error) {
	req := a.pending
	if req == nil {
		return nil, nil
	}
	a.pending = nil
	if int64(len(req.Body)) != a.declared {
		return nil, ErrShortBody
	}
	return req, nil
}

// Pending reports whether a head has been seen without its End.
func (a *Accumulator) Pending() bool {
	return a.pending != nil
}

// CloseAfterResponse reports whether the connection must close after the
// current response. It is true until the first head is observed.
func (a *Accumulator) CloseAfterResponse() bool {
	return a.closeAfterResponse
}

// ContentLength parses the content-length header, returning 0 when it is
// missing or not a valid non-negative integer.
func ContentLength(h wire.Header) int64 {
	v, ok := h.Lookup("content-length")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
