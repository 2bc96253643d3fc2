package h1

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/albertbausili/alembic/internal/wire"
	"github.com/panjf2000/gnet/v2"
	"github.com/valyala/bytebufferpool"
)

// errTransportClosed is returned for writes after Close.
var errTransportClosed = errors.New("h1: transport closed")

// gnetTransport implements Transport over a gnet connection. Frames are encoded
// into a pooled buffer and handed to AsyncWritev on Flush, so it is safe to use
// from worker goroutines. Close waits for in-flight writes to complete.
type gnetTransport struct {
	conn     gnet.Conn
	logger   *slog.Logger
	mu       sync.Mutex
	buf      *bytebufferpool.ByteBuffer
	inflight int
	closing  bool
	closed   bool
}

func newGnetTransport(c gnet.Conn, logger *slog.Logger) *gnetTransport {
	return &gnetTransport{conn: c, logger: logger}
}

func (t *gnetTransport) Write(f wire.OutboundFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.closed {
		return errTransportClosed
	}
	if t.buf == nil {
		t.buf = bytebufferpool.Get()
	}
	t.buf.B = AppendFrame(t.buf.B, f)
	return nil
}

func (t *gnetTransport) Flush() error {
	t.mu.Lock()
	if t.closing || t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	buf := t.buf
	t.buf = nil
	if buf == nil || buf.Len() == 0 {
		t.mu.Unlock()
		if buf != nil {
			bytebufferpool.Put(buf)
		}
		return nil
	}
	t.inflight++
	t.mu.Unlock()

	err := t.conn.AsyncWritev([][]byte{buf.B}, func(c gnet.Conn, err error) error {
		bytebufferpool.Put(buf)
		if err != nil {
			t.logger.Debug("async write failed", "remote", remoteAddr(c), "error", err)
		}
		return t.writeDone()
	})
	if err != nil {
		bytebufferpool.Put(buf)
		_ = t.writeDone()
	}
	return err
}

// writeDone retires one in-flight write and performs a deferred Close.
func (t *gnetTransport) writeDone() error {
	t.mu.Lock()
	t.inflight--
	closeNow := t.closing && t.inflight == 0 && !t.closed
	if closeNow {
		t.closed = true
	}
	t.mu.Unlock()
	if closeNow {
		return t.conn.Close()
	}
	return nil
}

// Close closes the connection once every flushed write has completed.
func (t *gnetTransport) Close() error {
	t.mu.Lock()
	if t.closing || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	if t.buf != nil {
		bytebufferpool.Put(t.buf)
		t.buf = nil
	}
	if t.inflight > 0 {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func remoteAddr(c gnet.Conn) string {
	if c == nil || c.RemoteAddr() == nil {
		return ""
	}
	return c.RemoteAddr().String()
}
