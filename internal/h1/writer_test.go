package h1

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/albertbausili/alembic/internal/wire"
)

// recordingTransport captures every call in order.
type recordingTransport struct {
	mu       sync.Mutex
	ops      []string
	frames   []wire.OutboundFrame
	closed   bool
	writeErr error
}

func (r *recordingTransport) Write(f wire.OutboundFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.ops = append(r.ops, "write:"+f.Kind.String())
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingTransport) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "flush")
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "close")
	r.closed = true
	return nil
}

func (r *recordingTransport) snapshot() ([]string, []wire.OutboundFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...), append([]wire.OutboundFrame(nil), r.frames...), r.closed
}

func TestFrames_DerivesContentLength(t *testing.T) {
	resp := &wire.Response{
		Head: wire.ResponseHead{
			Status: wire.NewStatus(200),
			Header: wire.Header{{"Content-Length", "999"}, {"x-trace", "1"}, {"content-length", "5"}},
		},
		Body: &wire.Body{Data: []byte("hello"), MimeType: "text/plain"},
	}

	frames := Frames(resp)
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	h := frames[0].Head.Header
	if got := h.Values("content-length"); !reflect.DeepEqual(got, []string{"5"}) {
		t.Errorf("Expected exactly one content-length of 5, got %v", got)
	}
	if got := h.Get("content-type"); got != "text/plain" {
		t.Errorf("Expected content-type text/plain, got %q", got)
	}
	if string(frames[1].Chunk) != "hello" {
		t.Errorf("Expected body frame 'hello', got %q", frames[1].Chunk)
	}
	if frames[2].Kind != wire.FrameEnd {
		t.Errorf("Expected trailing end frame, got %v", frames[2].Kind)
	}
	if len(resp.Head.Header) != 3 {
		t.Error("Expected Frames not to modify the response header")
	}
}

func TestFrames_Idempotent(t *testing.T) {
	resp := &wire.Response{
		Head: wire.ResponseHead{Status: wire.NewStatus(201), Header: wire.Header{{"content-type", "application/json"}}},
		Body: &wire.Body{Data: []byte(`{"id":1}`)},
	}
	first := Frames(resp)
	second := Frames(resp)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical frames, got %+v and %+v", first, second)
	}
	if got := first[0].Head.Header.Get("content-type"); got != "application/json" {
		t.Errorf("Expected content-type to be kept without MimeType, got %q", got)
	}
}

func TestFrames_NoBody(t *testing.T) {
	frames := Frames(&wire.Response{Head: wire.ResponseHead{Status: wire.NewStatus(204)}})
	if len(frames) != 2 {
		t.Fatalf("Expected head and end only, got %d frames", len(frames))
	}
	if got := frames[0].Head.Header.Get("content-length"); got != "0" {
		t.Errorf("Expected content-length 0, got %q", got)
	}
}

func TestFrames_DropsInvalidHeaders(t *testing.T) {
	resp := &wire.Response{
		Head: wire.ResponseHead{
			Status: wire.Status{Code: 302, Reason: "Found\r\nX-Reason: 1"},
			Header: wire.Header{
				{"Location", "/next\r\nSet-Cookie: session=stolen"},
				{"bad name", "v"},
				{"x-ok", "1"},
			},
		},
		Body: &wire.Body{Data: []byte("x"), MimeType: "text/plain\r\nX-Type: 1"},
	}

	frames := Frames(resp)
	h := frames[0].Head.Header
	if h.Has("location") || h.Has("bad name") || h.Has("content-type") {
		t.Errorf("Expected invalid fields to be dropped, got %v", h)
	}
	if h.Get("x-ok") != "1" {
		t.Errorf("Expected valid field to survive, got %v", h)
	}

	var buf []byte
	for _, f := range frames {
		buf = AppendFrame(buf, f)
	}
	wireText := string(buf)
	if !strings.HasPrefix(wireText, "HTTP/1.1 302 Found\r\n") {
		t.Errorf("Expected canonical reason phrase, got %q", wireText)
	}
	for _, injected := range []string{"Set-Cookie", "X-Reason", "X-Type"} {
		if strings.Contains(wireText, injected) {
			t.Errorf("Expected no %s on the wire, got %q", injected, wireText)
		}
	}
}

func TestFrameWriter_Sequence(t *testing.T) {
	resp := &wire.Response{
		Head: wire.ResponseHead{Status: wire.NewStatus(200)},
		Body: &wire.Body{Data: []byte("ok")},
	}

	tr := &recordingTransport{}
	if err := NewFrameWriter(tr).Write(resp, false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ops, _, closed := tr.snapshot()
	want := []string{"write:head", "write:body", "flush", "write:end", "flush"}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("Expected %v, got %v", want, ops)
	}
	if closed {
		t.Error("Expected transport to stay open")
	}

	tr = &recordingTransport{}
	_ = NewFrameWriter(tr).Write(resp, true)
	ops, _, closed = tr.snapshot()
	if !closed || ops[len(ops)-1] != "close" {
		t.Errorf("Expected close as last operation, got %v", ops)
	}
}

func TestFrameWriter_WriteError(t *testing.T) {
	boom := errors.New("boom")
	tr := &recordingTransport{writeErr: boom}
	err := NewFrameWriter(tr).Write(&wire.Response{Head: wire.ResponseHead{Status: wire.NewStatus(200)}}, true)
	if !errors.Is(err, boom) {
		t.Errorf("Expected write error to propagate, got %v", err)
	}
}
