package h1

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/albertbausili/alembic/internal/wire"
)

var (
	// ErrConnectionClosed is returned by Feed once the connection reached StateClosed.
	ErrConnectionClosed = errors.New("h1: connection closed")
	// ErrBacklogFull is returned by Feed when a peer pipelines more than the
	// connection holds while a request is in flight.
	ErrBacklogFull = errors.New("h1: pipelined input exceeds backlog limit")
)

// frameCost is charged per held-back frame on top of its payload.
const frameCost = 64

// State is the lifecycle state of a connection.
type State uint8

// Connection states. Closed is terminal.
const (
	StateIdle State = iota
	StateAccumulating
	StateDispatching
	StateWriting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateDispatching:
		return "dispatching"
	case StateWriting:
		return "writing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Responder turns an assembled request into exactly one response.
// Implementations must not panic or return nil.
type Responder interface {
	Respond(ctx context.Context, req *wire.Request) *wire.Response
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, req *wire.Request) *wire.Response

// Respond calls f(ctx, req).
func (f ResponderFunc) Respond(ctx context.Context, req *wire.Request) *wire.Response {
	return f(ctx, req)
}

// Dispatcher runs responder invocations off the frame delivery path.
// *ants.Pool satisfies it.
type Dispatcher interface {
	Submit(task func()) error
}

// InlineDispatcher runs every task on the calling goroutine.
type InlineDispatcher struct{}

// Submit runs task immediately.
func (InlineDispatcher) Submit(task func()) error {
	task()
	return nil
}

// ConnConfig configures a Connection.
type ConnConfig struct {
	MaxBodySize    int64
	MaxHeaderBytes int
	Dispatcher     Dispatcher
	Logger         *slog.Logger
}

// Connection drives one physical connection: it accumulates frames into a
// request, hands the request to the responder, writes the response and decides
// whether the connection stays open.
type Connection struct {
	mu        sync.Mutex
	state     State
	acc       *Accumulator
	responder Responder
	transport Transport
	writer    *FrameWriter
	dispatch  Dispatcher
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	// Frames held back while a request is in flight. Only what the
	// accumulator will keep is stored, and the total is capped at maxBacklog.
	backlog      []wire.InboundFrame
	backlogBytes int64
	maxBacklog   int64
	queuedBody   int64 // declared body bytes still expected by the last queued head
	discarding   bool  // a queued head exceeds the body ceiling; drop the rest
}

// NewConnection creates a driver for a freshly accepted connection.
func NewConnection(ctx context.Context, t Transport, r Responder, cfg ConnConfig) *Connection {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = InlineDispatcher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	connCtx, cancel := context.WithCancel(ctx)
	acc := NewAccumulator(cfg.MaxBodySize)
	return &Connection{
		state:      StateIdle,
		acc:        acc,
		maxBacklog: acc.maxBody + int64(cfg.MaxHeaderBytes),
		responder: r,
		transport: t,
		writer:    NewFrameWriter(t),
		dispatch:  cfg.Dispatcher,
		logger:    cfg.Logger,
		ctx:       connCtx,
		cancel:    cancel,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Feed delivers frames in arrival order. Frames received while a request is in
// flight are held back until its response has been written.
// A non-nil error means the connection has been closed.
func (c *Connection) Feed(frames ...wire.InboundFrame) error {
	c.mu.Lock()
	req, err := c.consumeLocked(frames)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if req != nil {
		c.dispatchRequest(req)
	}
	return nil
}

// consumeLocked applies frames until a request completes, the connection
// closes, or a request is already in flight.
func (c *Connection) consumeLocked(frames []wire.InboundFrame) (*wire.Request, error) {
	for i, f := range frames {
		switch c.state {
		case StateClosed:
			return nil, ErrConnectionClosed
		case StateDispatching, StateWriting:
			return nil, c.queueLocked(frames[i:])
		}

		req, err := c.acc.Consume(f)
		if err != nil {
			c.closeLocked(err)
			return nil, err
		}
		if req != nil {
			c.state = StateDispatching
			if err := c.queueLocked(frames[i+1:]); err != nil {
				return nil, err
			}
			return req, nil
		}
		if c.acc.Pending() {
			c.state = StateAccumulating
		} else {
			c.state = StateIdle
		}
	}
	return nil, nil
}

// queueLocked holds frames back until the in-flight response is written. Body
// bytes the accumulator would drop are dropped here, and after a head that
// exceeds the body ceiling nothing more is kept: replaying that head closes
// the connection once the in-flight response is out.
func (c *Connection) queueLocked(frames []wire.InboundFrame) error {
	for _, f := range frames {
		if c.discarding {
			return nil
		}
		cost := int64(frameCost)
		switch f.Kind {
		case wire.FrameHead:
			if f.Head == nil {
				continue
			}
			length := ContentLength(f.Head.Header)
			if length > c.acc.maxBody {
				c.discarding = true
			}
			c.queuedBody = max(length, 0)
			cost += int64(len(f.Head.Method) + len(f.Head.Path))
			for _, kv := range f.Head.Header {
				cost += int64(len(kv[0]) + len(kv[1]))
			}
		case wire.FrameBody:
			n := min(int64(len(f.Chunk)), c.queuedBody)
			if n == 0 {
				continue
			}
			c.queuedBody -= n
			f.Chunk = f.Chunk[:n]
			cost += n
		case wire.FrameEnd:
			c.queuedBody = 0
		}
		c.backlogBytes += cost
		if c.backlogBytes > c.maxBacklog {
			c.closeLocked(ErrBacklogFull)
			return ErrBacklogFull
		}
		c.backlog = append(c.backlog, f)
	}
	return nil
}

// resetBacklogLocked drops held-back frames and returns them.
func (c *Connection) resetBacklogLocked() []wire.InboundFrame {
	b := c.backlog
	c.backlog = nil
	c.backlogBytes = 0
	c.queuedBody = 0
	c.discarding = false
	return b
}

func (c *Connection) dispatchRequest(req *wire.Request) {
	ctx := c.ctx
	err := c.dispatch.Submit(func() {
		requestsInFlight.Inc()
		resp := c.responder.Respond(ctx, req)
		requestsInFlight.Dec()
		c.finish(resp, false)
	})
	if err != nil {
		c.logger.Error("dispatch rejected", "error", err, "method", req.Head.Method, "path", req.Head.Path)
		c.finish(serviceUnavailable(), true)
	}
}

// finish writes resp unless the connection was closed while it was computed,
// then resumes processing of held-back frames.
func (c *Connection) finish(resp *wire.Response, forceClose bool) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.logger.Debug("discarding response for closed connection", "status", resp.Head.Status.Code)
		return
	}

	c.state = StateWriting
	closeAfter := forceClose || c.acc.CloseAfterResponse()
	if err := c.writer.Write(resp, closeAfter); err != nil {
		c.logger.Warn("write response", "error", err)
		c.closeLocked(err)
		c.mu.Unlock()
		return
	}
	if closeAfter {
		c.state = StateClosed
		c.resetBacklogLocked()
		c.cancel()
		c.mu.Unlock()
		return
	}

	c.state = StateIdle
	next, err := c.consumeLocked(c.resetBacklogLocked())
	c.mu.Unlock()
	if err == nil && next != nil {
		c.dispatchRequest(next)
	}
}

// closeLocked moves to StateClosed after a connection-fatal error.
// Nothing is written to the peer.
func (c *Connection) closeLocked(reason error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.resetBacklogLocked()
	c.cancel()
	rejectedTotal.WithLabelValues(rejectReason(reason)).Inc()
	c.logger.Debug("closing connection", "reason", reason)
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("close transport", "error", err)
	}
}

// Abort marks the connection closed after the transport went away. An in-flight
// request is cancelled and its response discarded.
func (c *Connection) Abort(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.state == StateDispatching {
		c.logger.Debug("abandoning in-flight request", "reason", reason)
	}
	c.state = StateClosed
	c.resetBacklogLocked()
	c.cancel()
}

// Reject answers a byte stream that cannot be framed. The error response is
// written only when no request is in flight; either way the connection closes.
// A nil resp closes silently.
func (c *Connection) Reject(resp *wire.Response, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp == nil {
		c.closeLocked(reason)
		return
	}
	switch c.state {
	case StateClosed:
		return
	case StateIdle, StateAccumulating:
		c.state = StateWriting
		if err := c.writer.Write(resp, true); err != nil {
			c.logger.Debug("write rejection", "error", err)
			_ = c.transport.Close()
		}
		c.state = StateClosed
		c.resetBacklogLocked()
		c.cancel()
		rejectedTotal.WithLabelValues(rejectReason(reason)).Inc()
	default:
		c.closeLocked(reason)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, ErrShortBody):
		return "short_body"
	case errors.Is(err, ErrBacklogFull):
		return "backlog_full"
	case errors.Is(err, ErrHeaderTooLarge):
		return "header_too_large"
	case errors.Is(err, ErrHTTP2Unsupported):
		return "http2_preface"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "io"
	}
}

func serviceUnavailable() *wire.Response {
	return &wire.Response{
		Head: wire.ResponseHead{
			Status: wire.NewStatus(503),
			Header: wire.Header{{"connection", "close"}},
		},
		Body: &wire.Body{Data: []byte("Service Unavailable"), MimeType: "text/plain; charset=utf-8"},
	}
}
