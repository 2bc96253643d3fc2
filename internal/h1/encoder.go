package h1

import (
	"strconv"

	"github.com/albertbausili/alembic/internal/date"
	"github.com/albertbausili/alembic/internal/wire"
)

var (
	statusLine200 = []byte("HTTP/1.1 200 OK\r\n")
	headerSep     = []byte(": ")
	headerDate    = []byte("date: ")
)

// AppendFrame appends the wire encoding of f to buf. Heads become a status line
// and header block, body chunks are copied verbatim, and End encodes to nothing
// because every response is framed by content-length.
func AppendFrame(buf []byte, f wire.OutboundFrame) []byte {
	switch f.Kind {
	case wire.FrameHead:
		return appendHead(buf, f.Head)
	case wire.FrameBody:
		return append(buf, f.Chunk...)
	default:
		return buf
	}
}

func appendHead(buf []byte, head *wire.ResponseHead) []byte {
	if head.Status.Code == 200 && (head.Status.Reason == "" || head.Status.Reason == "OK") {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(head.Status.Code), 10)
		buf = append(buf, ' ')
		buf = append(buf, head.Status.Text()...)
		buf = append(buf, crlf...)
	}

	for _, h := range head.Header {
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}
	if !head.Header.Has("date") {
		buf = append(buf, headerDate...)
		buf = append(buf, date.Current()...)
		buf = append(buf, crlf...)
	}
	return append(buf, crlf...)
}
