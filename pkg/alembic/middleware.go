package alembic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// StatusOf returns the status a request will be answered with, given the
// outcome of the chain below an interceptor.
func StatusOf(resp *Response, err error) int {
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return 400
		}
		var herr *HTTPError
		if errors.As(err, &herr) {
			return herr.Code
		}
		return 500
	}
	if resp == nil {
		return 500
	}
	return resp.StatusCode()
}

func pathOnly(path string) string {
	if q := strings.IndexByte(path, '?'); q >= 0 {
		return path[:q]
	}
	return path
}

func skipSet(paths []string) map[string]bool {
	m := make(map[string]bool, len(paths))
	for _, p := range paths {
		m[p] = true
	}
	return m
}

// LoggerConfig defines the configuration options for the Logger interceptor.
type LoggerConfig struct {
	// Logger receives one record per request (defaults to slog.Default()).
	Logger *slog.Logger
	// Level is the level for successful requests; 5xx responses log at error.
	Level slog.Level
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
}

// Logger returns an interceptor that logs each request through slog.Default().
func Logger() Interceptor {
	return LoggerWithConfig(LoggerConfig{})
}

// LoggerWithConfig returns a request logging interceptor with custom configuration.
func LoggerWithConfig(config LoggerConfig) Interceptor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	skip := skipSet(config.SkipPaths)

	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		path := pathOnly(req.Path())
		if skip[path] {
			return next(ctx, req)
		}

		start := time.Now()
		resp, err := next(ctx, req)
		status := StatusOf(resp, err)

		attrs := []slog.Attr{
			slog.String("method", req.Method()),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if remote := req.RemoteAddr(); remote != "" {
			attrs = append(attrs, slog.String("remote", remote))
		}
		if id := RequestIDFrom(ctx); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}

		level := config.Level
		if status >= 500 {
			level = slog.LevelError
		}
		config.Logger.LogAttrs(ctx, level, "request", attrs...)
		return resp, err
	})
}

type requestIDKey struct{}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "x-request-id"

// RequestID returns an interceptor that assigns every request an ID, reusing
// the incoming x-request-id header when present. The ID is echoed in the
// response and available to handlers through RequestIDFrom.
func RequestID() Interceptor {
	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		id := req.Header().Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		resp, err := next(context.WithValue(ctx, requestIDKey{}, id), req)
		if resp != nil {
			resp.SetHeader(RequestIDHeader, id)
		}
		return resp, err
	})
}

// RequestIDFrom returns the ID assigned by RequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// CORSConfig holds CORS interceptor configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns an interceptor that handles Cross-Origin Resource Sharing.
// Preflight OPTIONS requests are answered with 204 without reaching handlers.
func CORS(config CORSConfig) Interceptor {
	defaults := DefaultCORSConfig()
	if config.AllowOrigin == "" {
		config.AllowOrigin = defaults.AllowOrigin
	}
	if config.AllowMethods == "" {
		config.AllowMethods = defaults.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = defaults.AllowHeaders
	}

	apply := func(resp *Response) *Response {
		resp.SetHeader("access-control-allow-origin", config.AllowOrigin)
		resp.SetHeader("access-control-allow-methods", config.AllowMethods)
		resp.SetHeader("access-control-allow-headers", config.AllowHeaders)
		if config.AllowCredentials {
			resp.SetHeader("access-control-allow-credentials", "true")
		}
		if config.MaxAge > 0 {
			resp.SetHeader("access-control-max-age", strconv.Itoa(config.MaxAge))
		}
		return resp
	}

	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		if req.Method() == "OPTIONS" {
			return apply(NoContent()), nil
		}
		resp, err := next(ctx, req)
		if resp != nil {
			apply(resp)
		}
		return resp, err
	})
}

// panicked carries a panic out of the goroutine started by Timeout.
type panicked struct {
	value any
	stack []byte
}

// Timeout returns an interceptor that answers 504 when the rest of the chain
// takes longer than d. The request context is cancelled and the late response
// is discarded.
func Timeout(d time.Duration) Interceptor {
	type result struct {
		resp *Response
		err  error
		p    *panicked
	}

	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		timeoutCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan result, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- result{p: &panicked{value: p, stack: debug.Stack()}}
				}
			}()
			resp, err := next(timeoutCtx, req)
			done <- result{resp: resp, err: err}
		}()

		select {
		case r := <-done:
			if r.p != nil {
				panic(fmt.Sprintf("%v\n\n%s", r.p.value, r.p.stack))
			}
			return r.resp, r.err
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				// The connection went away; nobody will read this.
				return nil, ctx.Err()
			}
			return Text(504, "Gateway Timeout"), nil
		}
	})
}

// CompressConfig holds configuration for the Compress interceptor.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content type prefixes to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns an interceptor that compresses response bodies with brotli
// or gzip, preferring brotli.
func Compress() Interceptor {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a compressing interceptor with custom configuration.
func CompressWithConfig(config CompressConfig) Interceptor {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		encoding := negotiateEncoding(req.Header().Values("accept-encoding"))
		resp, err := next(ctx, req)
		if err != nil || resp == nil || resp.Body == nil || encoding == "" {
			return resp, err
		}
		if len(resp.Body.Data) < config.MinSize || resp.Head.Header.Has("content-encoding") {
			return resp, nil
		}
		contentType := resp.Body.MimeType
		if contentType == "" {
			contentType = resp.Head.Header.Get("content-type")
		}
		for _, excluded := range config.ExcludedTypes {
			if strings.HasPrefix(contentType, excluded) {
				return resp, nil
			}
		}

		compressed, cerr := compressBody(encoding, config.Level, resp.Body.Data)
		if cerr != nil || len(compressed) >= len(resp.Body.Data) {
			// Serve the original when compression fails or does not help.
			return resp, nil
		}
		resp.Body.Data = compressed
		resp.SetHeader("content-encoding", encoding)
		resp.SetHeader("vary", "Accept-Encoding")
		return resp, nil
	})
}

// negotiateEncoding picks br or gzip from accept-encoding values, honouring q=0.
func negotiateEncoding(values []string) string {
	var br, gz bool
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			if q := strings.TrimSpace(params); q == "q=0" || q == "q=0.0" || q == "q=0.00" || q == "q=0.000" {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "br":
				br = true
			case "gzip":
				gz = true
			case "*":
				br = true
			}
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	default:
		return ""
	}
}

func compressBody(encoding string, level int, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "br":
		w = brotli.NewWriterLevel(&buf, level)
	case "gzip":
		gw, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		w = gw
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RateLimiterConfig holds configuration for the RateLimiter interceptor.
type RateLimiterConfig struct {
	// RequestsPerSecond is the maximum number of requests allowed per second
	RequestsPerSecond int
	// BurstSize is the maximum number of requests that can be burst at once
	BurstSize int
	// KeyFunc returns the rate limiting key (default: client IP)
	KeyFunc func(req *Request) string
	// SkipPaths lists paths to skip rate limiting (e.g., health checks)
	SkipPaths []string
}

// RateLimiter returns an interceptor that limits requests per client with a
// token bucket, answering 429 when the bucket is empty.
func RateLimiter(requestsPerSecond int) Interceptor {
	return RateLimiterWithConfig(RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		SkipPaths:         []string{"/health", "/metrics"},
	})
}

// RateLimiterWithConfig returns a rate limiting interceptor with custom configuration.
func RateLimiterWithConfig(config RateLimiterConfig) Interceptor {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = clientIP
	}
	skip := skipSet(config.SkipPaths)
	limit := strconv.Itoa(config.RequestsPerSecond)

	var (
		mu        sync.Mutex
		limiters  = make(map[string]*tokenBucket)
		lastSweep = time.Now()
	)
	bucket := func(key string, now time.Time) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(lastSweep) > 5*time.Minute {
			for k, b := range limiters {
				if now.Sub(b.lastAccess) > 10*time.Minute {
					delete(limiters, k)
				}
			}
			lastSweep = now
		}
		b, ok := limiters[key]
		if !ok {
			b = newTokenBucket(config.RequestsPerSecond, config.BurstSize, now)
			limiters[key] = b
		}
		b.lastAccess = now
		return b
	}

	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		if skip[pathOnly(req.Path())] {
			return next(ctx, req)
		}
		key := config.KeyFunc(req)
		if key == "" {
			return next(ctx, req)
		}

		now := time.Now()
		allowed, remaining := bucket(key, now).allow(now)
		if !allowed {
			resp := Text(429, "Too Many Requests")
			resp.SetHeader("x-ratelimit-limit", limit)
			resp.SetHeader("x-ratelimit-remaining", "0")
			resp.SetHeader("retry-after", "1")
			return resp, nil
		}

		resp, err := next(ctx, req)
		if resp != nil {
			resp.SetHeader("x-ratelimit-limit", limit)
			resp.SetHeader("x-ratelimit-remaining", strconv.Itoa(remaining))
		}
		return resp, err
	})
}

func clientIP(req *Request) string {
	if fwd := req.Header().Get("x-forwarded-for"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := req.Header().Get("x-real-ip"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr()); err == nil {
		return host
	}
	if req.RemoteAddr() != "" {
		return req.RemoteAddr()
	}
	return "local"
}

// tokenBucket implements a token bucket rate limiter
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(rate, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: float64(rate),
		lastRefill: now,
		lastAccess: now,
	}
}

// allow consumes a token if one is available and reports the tokens left.
func (tb *tokenBucket) allow(now time.Time) (bool, int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens < 1 {
		return false, 0
	}
	tb.tokens--
	return true, int(tb.tokens)
}

// HealthConfig holds configuration for the Health interceptor.
type HealthConfig struct {
	// Path is the endpoint path for health checks (default: "/health")
	Path string
	// Check reports an unhealthy dependency; nil means healthy.
	Check func(ctx context.Context) error
}

var startTime = time.Now()

// Health returns an interceptor that answers GET /health.
func Health() Interceptor {
	return HealthWithConfig(HealthConfig{})
}

// HealthWithConfig returns a health check interceptor with custom configuration.
// A failing Check answers 503.
func HealthWithConfig(config HealthConfig) Interceptor {
	if config.Path == "" {
		config.Path = "/health"
	}

	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		if req.Method() != "GET" || pathOnly(req.Path()) != config.Path {
			return next(ctx, req)
		}

		payload := map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(startTime).Round(time.Second).String(),
		}
		code := 200
		if config.Check != nil {
			if err := config.Check(ctx); err != nil {
				payload["status"] = "unavailable"
				payload["error"] = err.Error()
				code = 503
			}
		}
		return JSON(code, payload)
	})
}
