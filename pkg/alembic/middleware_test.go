package alembic

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

func run(t *testing.T, ic Interceptor, req *Request, final HandlerFunc) *Response {
	t.Helper()
	resp, err := Compose([]Interceptor{ic}, final).Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return resp
}

func ok(body string) HandlerFunc {
	return func(_ context.Context, _ *Request) (*Response, error) {
		return Text(200, "%s", body), nil
	}
}

func TestLogger_Middleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ic := LoggerWithConfig(LoggerConfig{Logger: logger})

	run(t, ic, newRequest("GET", "/users?id=1", nil), ok("hi"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Expected a JSON log record, got %q", buf.String())
	}
	if record["msg"] != "request" {
		t.Errorf("Expected msg 'request', got %v", record["msg"])
	}
	if record["path"] != "/users" {
		t.Errorf("Expected path without query, got %v", record["path"])
	}
	if record["status"] != float64(200) {
		t.Errorf("Expected status 200, got %v", record["status"])
	}
}

func TestLoggerWithConfig_ServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ic := LoggerWithConfig(LoggerConfig{Logger: logger})

	_, _ = Compose([]Interceptor{ic}, HandlerFunc(func(_ context.Context, _ *Request) (*Response, error) {
		return nil, errors.New("boom")
	})).Handle(context.Background(), newRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("Expected error level record, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"status":500`) {
		t.Errorf("Expected status 500, got %q", buf.String())
	}
}

func TestLoggerWithConfig_SkipPaths(t *testing.T) {
	var buf bytes.Buffer
	ic := LoggerWithConfig(LoggerConfig{
		Logger:    slog.New(slog.NewTextHandler(&buf, nil)),
		SkipPaths: []string{"/health"},
	})

	run(t, ic, newRequest("GET", "/health", nil), ok("ok"))
	if buf.Len() != 0 {
		t.Errorf("Expected no log output for skipped path, got %q", buf.String())
	}
}

func TestRequestID_Middleware(t *testing.T) {
	var seen string
	resp := run(t, RequestID(), newRequest("GET", "/", nil), func(ctx context.Context, _ *Request) (*Response, error) {
		seen = RequestIDFrom(ctx)
		return NoContent(), nil
	})

	id := resp.Head.Header.Get(RequestIDHeader)
	if id == "" {
		t.Fatal("Expected x-request-id header to be set")
	}
	if seen != id {
		t.Errorf("Expected handler to see %q, got %q", id, seen)
	}
}

func TestRequestID_ExistingHeader(t *testing.T) {
	req := newRequest("GET", "/", nil, [2]string{"X-Request-Id", "existing-id"})
	resp := run(t, RequestID(), req, ok(""))

	if got := resp.Head.Header.Get(RequestIDHeader); got != "existing-id" {
		t.Errorf("Expected existing-id, got %s", got)
	}
}

func TestCORS_DefaultConfig(t *testing.T) {
	resp := run(t, CORS(CORSConfig{}), newRequest("GET", "/", nil), ok("x"))

	if got := resp.Head.Header.Get("access-control-allow-origin"); got != "*" {
		t.Errorf("Expected allow-origin *, got %s", got)
	}
	if got := resp.Head.Header.Get("access-control-max-age"); got != "" {
		t.Errorf("Expected no max-age for zero config, got %s", got)
	}
}

func TestCORS_OptionsRequest(t *testing.T) {
	called := false
	resp := run(t, CORS(CORSConfig{AllowOrigin: "https://example.com", AllowCredentials: true, MaxAge: 60}),
		newRequest("OPTIONS", "/", nil), func(_ context.Context, _ *Request) (*Response, error) {
			called = true
			return NoContent(), nil
		})

	if called {
		t.Error("Expected preflight to skip the handler")
	}
	if resp.StatusCode() != 204 {
		t.Errorf("Expected 204, got %d", resp.StatusCode())
	}
	if got := resp.Head.Header.Get("access-control-allow-origin"); got != "https://example.com" {
		t.Errorf("Expected custom origin, got %s", got)
	}
	if got := resp.Head.Header.Get("access-control-allow-credentials"); got != "true" {
		t.Errorf("Expected credentials true, got %s", got)
	}
	if got := resp.Head.Header.Get("access-control-max-age"); got != "60" {
		t.Errorf("Expected max-age 60, got %s", got)
	}
}

func TestTimeout_Normal(t *testing.T) {
	resp := run(t, Timeout(time.Second), newRequest("GET", "/", nil), ok("fast"))
	if resp.StatusCode() != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode())
	}
}

func TestTimeout_Exceeded(t *testing.T) {
	cancelled := make(chan struct{})
	resp := run(t, Timeout(20*time.Millisecond), newRequest("GET", "/", nil), func(ctx context.Context, _ *Request) (*Response, error) {
		<-ctx.Done()
		close(cancelled)
		return Text(200, "late"), nil
	})

	if resp.StatusCode() != 504 {
		t.Errorf("Expected 504, got %d", resp.StatusCode())
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("Expected the handler context to be cancelled")
	}
}

func TestTimeout_PanicPropagates(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic to reach the caller")
		}
	}()
	_, _ = Compose([]Interceptor{Timeout(time.Second)}, HandlerFunc(func(_ context.Context, _ *Request) (*Response, error) {
		panic("boom")
	})).Handle(context.Background(), newRequest("GET", "/", nil))
}

func TestNegotiateEncoding(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{"gzip", "gzip"},
		{"gzip, br", "br"},
		{"br;q=0, gzip", "gzip"},
		{"*", "br"},
		{"identity", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := negotiateEncoding([]string{tt.header}); got != tt.expected {
			t.Errorf("negotiateEncoding(%q) = %q, want %q", tt.header, got, tt.expected)
		}
	}
}

func TestCompressWithConfig_Gzip(t *testing.T) {
	body := strings.Repeat("compress me please ", 200)
	req := newRequest("GET", "/", nil, [2]string{"Accept-Encoding", "gzip"})
	resp := run(t, Compress(), req, ok(body))

	if got := resp.Head.Header.Get("content-encoding"); got != "gzip" {
		t.Fatalf("Expected gzip encoding, got %q", got)
	}
	zr, err := gzip.NewReader(bytes.NewReader(resp.Body.Data))
	if err != nil {
		t.Fatalf("Failed to open gzip body: %v", err)
	}
	plain, _ := io.ReadAll(zr)
	if string(plain) != body {
		t.Error("Expected decompressed body to match")
	}
}

func TestCompressWithConfig_Brotli(t *testing.T) {
	body := strings.Repeat("brotli wins ", 300)
	req := newRequest("GET", "/", nil, [2]string{"Accept-Encoding", "gzip, br"})
	resp := run(t, Compress(), req, ok(body))

	if got := resp.Head.Header.Get("content-encoding"); got != "br" {
		t.Fatalf("Expected br encoding, got %q", got)
	}
	plain, _ := io.ReadAll(brotli.NewReader(bytes.NewReader(resp.Body.Data)))
	if string(plain) != body {
		t.Error("Expected decompressed body to match")
	}
	if got := resp.Head.Header.Get("vary"); got != "Accept-Encoding" {
		t.Errorf("Expected vary header, got %q", got)
	}
}

func TestCompressWithConfig_TooSmall(t *testing.T) {
	req := newRequest("GET", "/", nil, [2]string{"Accept-Encoding", "gzip"})
	resp := run(t, Compress(), req, ok("tiny"))

	if resp.Head.Header.Has("content-encoding") {
		t.Error("Expected small body to stay uncompressed")
	}
}

func TestCompressWithConfig_ExcludedType(t *testing.T) {
	req := newRequest("GET", "/", nil, [2]string{"Accept-Encoding", "gzip"})
	resp := run(t, Compress(), req, func(_ context.Context, _ *Request) (*Response, error) {
		return Data(200, "image/png", bytes.Repeat([]byte{0}, 4096)), nil
	})

	if resp.Head.Header.Has("content-encoding") {
		t.Error("Expected excluded type to stay uncompressed")
	}
}

func TestRateLimiterMiddleware_Basic(t *testing.T) {
	ic := RateLimiterWithConfig(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2})
	h := Compose([]Interceptor{ic}, ok("x"))

	codes := make([]int, 3)
	for i := range codes {
		resp, _ := h.Handle(context.Background(), newRequest("GET", "/", nil, [2]string{"x-real-ip", "10.0.0.1"}))
		codes[i] = resp.StatusCode()
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}

	resp, _ := h.Handle(context.Background(), newRequest("GET", "/", nil, [2]string{"x-real-ip", "10.0.0.2"}))
	if resp.StatusCode() != 200 {
		t.Errorf("Expected a different client to pass, got %d", resp.StatusCode())
	}
}

func TestRateLimiterMiddleware_SkipPaths(t *testing.T) {
	h := Compose([]Interceptor{RateLimiterWithConfig(RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		SkipPaths:         []string{"/health"},
	})}, ok("x"))

	for i := 0; i < 5; i++ {
		resp, _ := h.Handle(context.Background(), newRequest("GET", "/health", nil))
		if resp.StatusCode() != 200 {
			t.Fatalf("Request %d: expected 200, got %d", i, resp.StatusCode())
		}
	}
}

func TestRateLimiterMiddleware_CustomKeyFunc(t *testing.T) {
	h := Compose([]Interceptor{RateLimiterWithConfig(RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		KeyFunc:           func(req *Request) string { return req.Header().Get("x-api-key") },
	})}, ok("x"))

	first, _ := h.Handle(context.Background(), newRequest("GET", "/", nil, [2]string{"x-api-key", "a"}))
	second, _ := h.Handle(context.Background(), newRequest("GET", "/", nil, [2]string{"x-api-key", "b"}))
	third, _ := h.Handle(context.Background(), newRequest("GET", "/", nil, [2]string{"x-api-key", "a"}))
	if first.StatusCode() != 200 || second.StatusCode() != 200 || third.StatusCode() != 429 {
		t.Errorf("Expected 200 200 429, got %d %d %d", first.StatusCode(), second.StatusCode(), third.StatusCode())
	}
}

func TestTokenBucket_TokenRefill(t *testing.T) {
	now := time.Now()
	tb := newTokenBucket(10, 1, now)

	if allowed, _ := tb.allow(now); !allowed {
		t.Fatal("Expected first token")
	}
	if allowed, _ := tb.allow(now); allowed {
		t.Fatal("Expected bucket to be empty")
	}
	if allowed, _ := tb.allow(now.Add(150 * time.Millisecond)); !allowed {
		t.Error("Expected a token after refill")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name     string
		req      *Request
		expected string
	}{
		{"forwarded", newRequest("GET", "/", nil, [2]string{"X-Forwarded-For", "1.1.1.1, 2.2.2.2"}), "1.1.1.1"},
		{"real ip", newRequest("GET", "/", nil, [2]string{"X-Real-IP", "3.3.3.3"}), "3.3.3.3"},
		{"no peer", newRequest("GET", "/", nil), "local"},
	}
	withPeer := newRequest("GET", "/", nil)
	withPeer.Head.RemoteAddr = "4.4.4.4:5555"
	tests = append(tests, struct {
		name     string
		req      *Request
		expected string
	}{"peer", withPeer, "4.4.4.4"})

	for _, tt := range tests {
		if got := clientIP(tt.req); got != tt.expected {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.expected, got)
		}
	}
}

func TestHealthMiddleware_Default(t *testing.T) {
	resp := run(t, Health(), newRequest("GET", "/health", nil), ok("unreachable"))

	if resp.StatusCode() != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode())
	}
	if got := decodeJSON(t, resp)["status"]; got != "ok" {
		t.Errorf("Expected status ok, got %s", got)
	}
}

func TestHealthMiddleware_FailingCheck(t *testing.T) {
	ic := HealthWithConfig(HealthConfig{
		Path:  "/ready",
		Check: func(context.Context) error { return errors.New("db down") },
	})
	resp := run(t, ic, newRequest("GET", "/ready", nil), ok("unreachable"))

	if resp.StatusCode() != 503 {
		t.Errorf("Expected 503, got %d", resp.StatusCode())
	}
	if got := decodeJSON(t, resp)["error"]; got != "db down" {
		t.Errorf("Expected check error in body, got %s", got)
	}
}

func TestHealthMiddleware_NonHealthEndpoint(t *testing.T) {
	resp := run(t, Health(), newRequest("GET", "/users", nil), ok("users"))
	if string(resp.Body.Data) != "users" {
		t.Errorf("Expected request to pass through, got %q", resp.Body.Data)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name     string
		resp     *Response
		err      error
		expected int
	}{
		{"response", Text(201, "x"), nil, 201},
		{"nil response", nil, nil, 500},
		{"validation", nil, &ValidationError{Field: "a"}, 400},
		{"http error", nil, NewHTTPError(403, ""), 403},
		{"other", nil, errors.New("x"), 500},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.resp, tt.err); got != tt.expected {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.expected, got)
		}
	}
}
