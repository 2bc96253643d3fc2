// Package wire holds the streaming representation of HTTP/1.x messages shared by
// the protocol driver and the public API: inbound request frames, assembled
// requests, responses and outbound response frames.
package wire

// Kind identifies the variant of a frame.
type Kind uint8

const (
	// FrameHead opens a message.
	FrameHead Kind = iota + 1
	// FrameBody carries one chunk of body bytes.
	FrameBody
	// FrameEnd closes a message.
	FrameEnd
)

func (k Kind) String() string {
	switch k {
	case FrameHead:
		return "head"
	case FrameBody:
		return "body"
	case FrameEnd:
		return "end"
	default:
		return "unknown"
	}
}

// RequestHead is the request line plus header block of an inbound request.
// RemoteAddr is filled in by the server, not parsed from the wire.
type RequestHead struct {
	Method     string
	Path       string
	Version    string
	Header     Header
	KeepAlive  bool
	RemoteAddr string
}

// InboundFrame is one unit of an inbound request.
// Head is set only for FrameHead and Chunk only for FrameBody.
type InboundFrame struct {
	Kind  Kind
	Head  *RequestHead
	Chunk []byte
}

// HeadFrame builds a FrameHead frame.
func HeadFrame(head RequestHead) InboundFrame {
	return InboundFrame{Kind: FrameHead, Head: &head}
}

// BodyFrame builds a FrameBody frame. The chunk must not be modified afterwards.
func BodyFrame(chunk []byte) InboundFrame {
	return InboundFrame{Kind: FrameBody, Chunk: chunk}
}

// EndFrame builds a FrameEnd frame.
func EndFrame() InboundFrame {
	return InboundFrame{Kind: FrameEnd}
}

// OutboundFrame is one unit of an outbound response.
type OutboundFrame struct {
	Kind  Kind
	Head  *ResponseHead
	Chunk []byte
}
