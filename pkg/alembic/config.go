// Package alembic is the public API of an HTTP/1.x server built on gnet:
// handlers, interceptors, the Responder that turns every request into exactly
// one response, and the server that drives connections.
package alembic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/albertbausili/alembic/internal/h1"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config holds the server configuration options.
type Config struct {
	Addr           string        `yaml:"addr"`             // Server address to bind to
	Multicore      bool          `yaml:"multicore"`        // Enable multicore mode for better performance
	NumEventLoop   int           `yaml:"num_event_loop"`   // Number of event loops (0 for auto-detect)
	ReusePort      bool          `yaml:"reuse_port"`       // Enable SO_REUSEPORT for load balancing
	MaxConnections int           `yaml:"max_connections"`  // Connections above this get 503 (0 = unlimited)
	MaxBodySize    int64         `yaml:"max_body_size"`    // Largest declared request body in bytes
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Maximum header size in bytes
	Workers        int           `yaml:"workers"`          // Handler goroutine pool size
	ReadBufferCap  int           `yaml:"read_buffer_cap"`  // gnet inbound buffer per connection
	WriteBufferCap int           `yaml:"write_buffer_cap"` // gnet outbound buffer per connection
	TCPKeepAlive   time.Duration `yaml:"tcp_keep_alive"`   // TCP keep-alive period
	Log            LogConfig     `yaml:"log"`
	Logger         *slog.Logger  `yaml:"-"` // Logger for server events
}

// LogConfig selects the slog handler built by NewLogger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		Multicore:      true,
		ReusePort:      true,
		MaxBodySize:    h1.DefaultMaxBodySize,
		MaxHeaderBytes: h1.DefaultMaxHeaderBytes,
		Workers:        h1.DefaultWorkers,
		TCPKeepAlive:   30 * time.Minute,
		Log:            LogConfig{Level: "info", Format: "text"},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// applyDefaults fills zero values from DefaultConfig.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = d.TCPKeepAlive
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	c.applyDefaults()
	if c.MaxBodySize < 0 {
		return fmt.Errorf("max_body_size must not be negative, got %d", c.MaxBodySize)
	}
	if c.MaxHeaderBytes < 0 {
		return fmt.Errorf("max_header_bytes must not be negative, got %d", c.MaxHeaderBytes)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LoadConfig reads a YAML file, applies defaults, then environment overrides
// of the form ALEMBIC_FIELD (e.g. ALEMBIC_ADDR, ALEMBIC_LOG_LEVEL), and
// validates the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse configuration file %q: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var firstErr error
	parse := func(name string, set func(string) error) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		if err := set(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("environment %s=%q: %w", name, v, err)
		}
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) {
			*dst, err = strconv.Atoi(v)
			return err
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) (err error) {
			*dst, err = strconv.ParseBool(v)
			return err
		}
	}

	str("ALEMBIC_ADDR", &cfg.Addr)
	str("ALEMBIC_LOG_LEVEL", &cfg.Log.Level)
	str("ALEMBIC_LOG_FORMAT", &cfg.Log.Format)
	parse("ALEMBIC_MULTICORE", boolean(&cfg.Multicore))
	parse("ALEMBIC_REUSE_PORT", boolean(&cfg.ReusePort))
	parse("ALEMBIC_NUM_EVENT_LOOP", integer(&cfg.NumEventLoop))
	parse("ALEMBIC_MAX_CONNECTIONS", integer(&cfg.MaxConnections))
	parse("ALEMBIC_MAX_HEADER_BYTES", integer(&cfg.MaxHeaderBytes))
	parse("ALEMBIC_WORKERS", integer(&cfg.Workers))
	parse("ALEMBIC_MAX_BODY_SIZE", func(v string) (err error) {
		cfg.MaxBodySize, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	parse("ALEMBIC_TCP_KEEP_ALIVE", func(v string) (err error) {
		cfg.TCPKeepAlive, err = time.ParseDuration(v)
		return err
	})
	return firstErr
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// NewLogger builds a slog logger writing to w in the configured format. The
// returned LevelVar can be adjusted at runtime.
func NewLogger(w io.Writer, c LogConfig) (*slog.Logger, *slog.LevelVar, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(level)
	opts := &slog.HandlerOptions{Level: lv}

	var handler slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", c.Format)
	}
	return slog.New(handler), lv, nil
}

// WatchConfig calls onChange with the reloaded configuration whenever the file
// at path is written, created or renamed into place. Reloads are debounced and
// invalid files are logged and skipped. It blocks until ctx is cancelled.
func WatchConfig(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		cfg, err := LoadConfig(abs)
		if err != nil {
			logger.Error("configuration reload failed", "path", abs, "error", err)
			return
		}
		logger.Info("configuration reloaded", "path", abs)
		onChange(cfg)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("configuration watcher error", "error", err)
		}
	}
}
