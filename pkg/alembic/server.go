package alembic

import (
	"context"
	"errors"
	"sync"

	"github.com/albertbausili/alembic/internal/h1"
)

// Server binds a Router and its Responder to the HTTP/1.x event loop.
type Server struct {
	config    Config
	router    *Router
	responder *Responder

	mu     sync.Mutex
	engine *h1.Server
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	router := NewRouter()
	return &Server{
		config:    config,
		router:    router,
		responder: NewResponder(router, WithLogger(config.Logger)),
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Router returns the route table. Routes must be registered before Start.
func (s *Server) Router() *Router { return s.router }

// Responder returns the Responder answering requests for this server.
func (s *Server) Responder() *Responder { return s.responder }

// Use appends server-wide interceptors; the first registered runs outermost.
func (s *Server) Use(interceptors ...Interceptor) *Server {
	s.responder.Use(interceptors...)
	return s
}

// GET registers a handler for GET requests.
func (s *Server) GET(path string, handler any) { s.router.GET(path, handler) }

// POST registers a handler for POST requests.
func (s *Server) POST(path string, handler any) { s.router.POST(path, handler) }

// PUT registers a handler for PUT requests.
func (s *Server) PUT(path string, handler any) { s.router.PUT(path, handler) }

// DELETE registers a handler for DELETE requests.
func (s *Server) DELETE(path string, handler any) { s.router.DELETE(path, handler) }

// PATCH registers a handler for PATCH requests.
func (s *Server) PATCH(path string, handler any) { s.router.PATCH(path, handler) }

// Group creates a route group with the specified path prefix.
func (s *Server) Group(prefix string, interceptors ...Interceptor) *Group {
	return s.router.Group(prefix, interceptors...)
}

func (s *Server) newEngine(ctx context.Context) (*h1.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return nil, errors.New("alembic: server already started")
	}
	engine, err := h1.NewServer(ctx, s.responder, h1.Config{
		Addr:           s.config.Addr,
		Multicore:      s.config.Multicore,
		NumEventLoop:   s.config.NumEventLoop,
		ReusePort:      s.config.ReusePort,
		MaxConnections: s.config.MaxConnections,
		MaxBodySize:    s.config.MaxBodySize,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadBufferCap:  s.config.ReadBufferCap,
		WriteBufferCap: s.config.WriteBufferCap,
		TCPKeepAlive:   s.config.TCPKeepAlive,
		Workers:        s.config.Workers,
		Logger:         s.config.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return engine, nil
}

// Start begins accepting connections and returns once the listener is up.
func (s *Server) Start() error {
	engine, err := s.newEngine(context.Background())
	if err != nil {
		return err
	}
	return engine.Start()
}

// ListenAndServe accepts connections until ctx is cancelled or the server stops.
func (s *Server) ListenAndServe(ctx context.Context) error {
	engine, err := s.newEngine(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.Stop(context.Background()); err != nil {
			return err
		}
		return <-errCh
	}
}

// Stop stops accepting connections and cancels in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.Stop(ctx)
}
