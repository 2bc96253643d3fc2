package h1

import (
	"strconv"
	"strings"

	"github.com/albertbausili/alembic/internal/wire"
	"golang.org/x/net/http/httpguts"
)

// Transport is the outbound half of a connection.
// Writes may be buffered until Flush; Close may be deferred until pending
// flushes complete.
type Transport interface {
	Write(f wire.OutboundFrame) error
	Flush() error
	Close() error
}

// Frames converts a response into its outbound frame sequence: a head, at most
// one body chunk, and an end. The framing headers of the head are always derived
// from the body; resp is not modified. Header fields that are not valid on the
// wire are dropped, and a reason phrase with control characters is replaced by
// the canonical one.
func Frames(resp *wire.Response) []wire.OutboundFrame {
	head := &wire.ResponseHead{
		Status: resp.Head.Status,
		Header: validHeader(resp.Head.Header),
	}
	if strings.ContainsAny(head.Status.Reason, "\r\n") {
		head.Status.Reason = ""
	}
	head.Header.Del("content-length")

	var data []byte
	if resp.Body != nil {
		data = resp.Body.Data
		if resp.Body.MimeType != "" && httpguts.ValidHeaderFieldValue(resp.Body.MimeType) {
			head.Header.Set("content-type", resp.Body.MimeType)
		}
	}
	head.Header.Add("content-length", strconv.Itoa(len(data)))

	frames := make([]wire.OutboundFrame, 0, 3)
	frames = append(frames, wire.OutboundFrame{Kind: wire.FrameHead, Head: head})
	if resp.Body != nil {
		frames = append(frames, wire.OutboundFrame{Kind: wire.FrameBody, Chunk: data})
	}
	return append(frames, wire.OutboundFrame{Kind: wire.FrameEnd})
}

func validHeader(h wire.Header) wire.Header {
	out := make(wire.Header, 0, len(h)+2)
	for _, kv := range h {
		if httpguts.ValidHeaderFieldName(kv[0]) && httpguts.ValidHeaderFieldValue(kv[1]) {
			out = append(out, kv)
		}
	}
	return out
}

// FrameWriter serializes responses onto a transport.
type FrameWriter struct {
	t Transport
}

// NewFrameWriter creates a writer over t.
func NewFrameWriter(t Transport) *FrameWriter {
	return &FrameWriter{t: t}
}

// Write emits resp. Head and body are flushed together before End is written,
// and the transport is closed afterwards when closeAfter is set.
func (w *FrameWriter) Write(resp *wire.Response, closeAfter bool) error {
	frames := Frames(resp)
	last := len(frames) - 1

	for _, f := range frames[:last] {
		if err := w.t.Write(f); err != nil {
			return err
		}
	}
	if err := w.t.Flush(); err != nil {
		return err
	}
	if err := w.t.Write(frames[last]); err != nil {
		return err
	}
	if err := w.t.Flush(); err != nil {
		return err
	}

	if closeAfter {
		return w.t.Close()
	}
	return nil
}
