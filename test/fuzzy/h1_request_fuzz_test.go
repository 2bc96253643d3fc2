package fuzzy

import (
	"strings"
	"testing"

	"github.com/albertbausili/alembic/internal/h1"
	"github.com/albertbausili/alembic/internal/wire"
)

func decodeAll(d *h1.Decoder, chunks ...[]byte) ([]wire.InboundFrame, error) {
	var frames []wire.InboundFrame
	for _, c := range chunks {
		var err error
		frames, err = d.Decode(c, frames)
		if err != nil {
			return frames, err
		}
	}
	return frames, nil
}

// FuzzH1Decode fuzzes the request decoder with arbitrary bytes.
// Whatever it emits must be a well-formed frame sequence.
func FuzzH1Decode(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	f.Add([]byte("POST /api HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n{}"))
	f.Add([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\nGET /b HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n"))
	f.Add([]byte("PUT /data HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"))
	f.Add([]byte("GET / HTTP/1.0\r\n\r\n"))
	f.Add([]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
	f.Add([]byte("GET /path\r\n"))
	f.Add([]byte("INVALID\r\n"))
	f.Add([]byte("\r\n"))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, data []byte) {
		frames, err := decodeAll(h1.NewDecoder(0), data)

		open := false
		for i, fr := range frames {
			switch fr.Kind {
			case wire.FrameHead:
				if open {
					t.Fatalf("frame %d: head before previous end", i)
				}
				if fr.Head == nil || fr.Head.Method == "" || fr.Head.Path == "" {
					t.Fatalf("frame %d: incomplete head %+v", i, fr.Head)
				}
				if !strings.HasPrefix(fr.Head.Version, "HTTP/1.") {
					t.Fatalf("frame %d: unexpected version %q", i, fr.Head.Version)
				}
				for _, h := range fr.Head.Header {
					if h[0] == "" || strings.ContainsAny(h[0], "\r\n\x00:") {
						t.Fatalf("frame %d: invalid header name %q", i, h[0])
					}
					if strings.ContainsAny(h[1], "\r\n\x00") {
						t.Fatalf("frame %d: invalid header value %q", i, h[1])
					}
				}
				open = true
			case wire.FrameBody:
				if !open {
					t.Fatalf("frame %d: body outside a message", i)
				}
			case wire.FrameEnd:
				if !open {
					t.Fatalf("frame %d: end outside a message", i)
				}
				open = false
			default:
				t.Fatalf("frame %d: unknown kind %v", i, fr.Kind)
			}
		}

		if err != nil {
			d := h1.NewDecoder(0)
			_, _ = d.Decode(data, nil)
			if _, again := d.Decode([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"), nil); again == nil {
				t.Fatal("decoder recovered after an error")
			}
		}
	})
}

// FuzzH1DecodeSplit checks that where the input is cut does not change what
// the decoder produces.
func FuzzH1DecodeSplit(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"), uint16(5))
	f.Add([]byte("POST /x HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\nhello"), uint16(40))
	f.Add([]byte("PUT /c HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"), uint16(60))

	f.Fuzz(func(t *testing.T, data []byte, cut uint16) {
		whole, werr := decodeAll(h1.NewDecoder(0), data)
		if werr != nil {
			return
		}
		at := int(cut) % (len(data) + 1)
		split, serr := decodeAll(h1.NewDecoder(0), data[:at], data[at:])
		if serr != nil {
			t.Fatalf("split at %d failed: %v", at, serr)
		}

		if kinds(whole, true) != kinds(split, true) {
			t.Fatalf("split at %d: %s != %s", at, kinds(split, true), kinds(whole, true))
		}
		if body(whole) != body(split) {
			t.Fatalf("split at %d changed the body", at)
		}
	})
}

// kinds renders frame kinds, merging adjacent body frames when merge is set.
func kinds(frames []wire.InboundFrame, merge bool) string {
	var b strings.Builder
	last := wire.Kind(0)
	for _, fr := range frames {
		if merge && fr.Kind == wire.FrameBody && last == wire.FrameBody {
			continue
		}
		b.WriteString(fr.Kind.String())
		b.WriteByte(' ')
		last = fr.Kind
	}
	return b.String()
}

func body(frames []wire.InboundFrame) string {
	var b strings.Builder
	for _, fr := range frames {
		if fr.Kind == wire.FrameBody {
			b.Write(fr.Chunk)
		}
	}
	return b.String()
}
