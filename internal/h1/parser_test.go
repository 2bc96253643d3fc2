package h1

import (
	"errors"
	"strings"
	"testing"

	"github.com/albertbausili/alembic/internal/wire"
	"golang.org/x/net/http2"
)

func decodeAll(t *testing.T, d *Decoder, parts ...string) []wire.InboundFrame {
	t.Helper()
	var frames []wire.InboundFrame
	for _, p := range parts {
		var err error
		frames, err = d.Decode([]byte(p), frames)
		if err != nil {
			t.Fatalf("Unexpected decode error: %v", err)
		}
	}
	return frames
}

func kinds(frames []wire.InboundFrame) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.Kind.String()[:1])
	}
	return b.String()
}

func TestDecoder_SimpleGet(t *testing.T) {
	frames := decodeAll(t, NewDecoder(0), "GET /todo?x=1 HTTP/1.1\r\nHost: example.com\r\nX-Custom: a\r\n\r\n")

	if kinds(frames) != "he" {
		t.Fatalf("Expected head+end, got %q", kinds(frames))
	}
	h := frames[0].Head
	if h.Method != "GET" || h.Path != "/todo?x=1" || h.Version != "HTTP/1.1" {
		t.Errorf("Unexpected request line: %+v", h)
	}
	if !h.KeepAlive {
		t.Error("Expected HTTP/1.1 to default to keep-alive")
	}
	if got := h.Header.Get("x-custom"); got != "a" {
		t.Errorf("Expected X-Custom 'a', got %q", got)
	}
	if h.Header[1][0] != "X-Custom" {
		t.Errorf("Expected header name case to be preserved, got %q", h.Header[1][0])
	}
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	frames := decodeAll(t, NewDecoder(0),
		"POST /todo HTTP/1.1\r\nHo",
		"st: x\r\nContent-Length: 10\r\n\r\nhello",
		"world",
	)
	if kinds(frames) != "hbbe" {
		t.Fatalf("Expected head, two bodies, end; got %q", kinds(frames))
	}
	if string(frames[1].Chunk)+string(frames[2].Chunk) != "helloworld" {
		t.Errorf("Unexpected body chunks %q %q", frames[1].Chunk, frames[2].Chunk)
	}
}

func TestDecoder_Pipelined(t *testing.T) {
	frames := decodeAll(t, NewDecoder(0),
		"GET /1 HTTP/1.1\r\nHost: x\r\n\r\nGET /2 HTTP/1.1\r\nHost: x\r\n\r\n")
	if kinds(frames) != "hehe" {
		t.Fatalf("Expected two requests, got %q", kinds(frames))
	}
	if frames[2].Head.Path != "/2" {
		t.Errorf("Expected second path /2, got %s", frames[2].Head.Path)
	}
}

func TestDecoder_Chunked(t *testing.T) {
	frames := decodeAll(t, NewDecoder(0),
		"POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n",
		"5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nTrailer: v\r\n\r\n",
	)
	if kinds(frames) != "hbbe" {
		t.Fatalf("Expected head, two chunks, end; got %q", kinds(frames))
	}
	if string(frames[2].Chunk) != " world" {
		t.Errorf("Expected second chunk ' world', got %q", frames[2].Chunk)
	}
}

func TestDecoder_Connection(t *testing.T) {
	tests := []struct {
		name string
		req  string
		want bool
	}{
		{"http11 default", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", true},
		{"http11 close", "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n", false},
		{"http10 default", "GET / HTTP/1.0\r\n\r\n", false},
		{"http10 keep-alive", "GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := decodeAll(t, NewDecoder(0), tt.req)
			if got := frames[0].Head.KeepAlive; got != tt.want {
				t.Errorf("KeepAlive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecoder_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  string
		want error
	}{
		{"bad request line", "GARBAGE\r\n\r\n", ErrMalformed},
		{"bad version", "GET / HTTP/2.0\r\nHost: x\r\n\r\n", ErrMalformed},
		{"missing host", "GET / HTTP/1.1\r\n\r\n", ErrMalformed},
		{"bad header", "GET / HTTP/1.1\r\nHost: x\r\nNoColon\r\n\r\n", ErrMalformed},
		{"bad content-length", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: x\r\n\r\n", ErrMalformed},
		{"length and chunked", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 1\r\nTransfer-Encoding: chunked\r\n\r\n", ErrMalformed},
		{"http2 preface", http2.ClientPreface, ErrHTTP2Unsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(0)
			_, err := d.Decode([]byte(tt.req), nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if _, err := d.Decode([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), nil); err == nil {
				t.Error("Expected a dead decoder to keep failing")
			}
		})
	}
}

func TestDecoder_HeaderTooLarge(t *testing.T) {
	d := NewDecoder(64)
	_, err := d.Decode([]byte("GET / HTTP/1.1\r\nHost: x\r\nX-Big: "+strings.Repeat("a", 100)), nil)
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("Expected ErrHeaderTooLarge, got %v", err)
	}
}
