package alembic

import (
	"context"
	"testing"
)

func TestNew(t *testing.T) {
	config := DefaultConfig()
	config.Addr = ":9999"
	server := New(config)

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if server.config.Addr != ":9999" {
		t.Errorf("Expected addr :9999, got %s", server.config.Addr)
	}
	if server.Router() == nil || server.Responder() == nil {
		t.Error("Expected router and responder to be set")
	}
}

func TestNewWithDefaults(t *testing.T) {
	server := NewWithDefaults()

	if server.config.Addr != ":8080" {
		t.Errorf("Expected default addr :8080, got %s", server.config.Addr)
	}
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected New to panic on an invalid config")
		}
	}()
	New(Config{Workers: -1})
}

func TestServer_Use(t *testing.T) {
	server := NewWithDefaults()
	var log []string

	if result := server.Use(recorder(&log, "A")); result != server {
		t.Error("Expected Use to return server for chaining")
	}
	server.GET("/", func(_ context.Context, _ *Request) (*Response, error) {
		return NoContent(), nil
	})

	resp := server.Responder().Respond(context.Background(), newRequest("GET", "/", nil))
	if resp.StatusCode() != 204 || len(log) != 1 {
		t.Errorf("Expected interceptor and route to run, got %d %v", resp.StatusCode(), log)
	}
}

func TestServer_Stop(t *testing.T) {
	server := NewWithDefaults()

	// Calling stop on server that hasn't started should not error
	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
