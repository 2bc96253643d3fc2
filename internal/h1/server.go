package h1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/albertbausili/alembic/internal/date"
	"github.com/albertbausili/alembic/internal/wire"
	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
)

// Config defines the configuration options for the HTTP/1.x server.
type Config struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	MaxConnections int
	MaxBodySize    int64
	MaxHeaderBytes int
	ReadBufferCap  int
	WriteBufferCap int
	TCPKeepAlive   time.Duration
	Workers        int
	Logger         *slog.Logger
}

// session is the per-connection state stored in gnet.Conn.Context.
type session struct {
	decoder *Decoder
	conn    *Connection
	remote  string
	frames  []wire.InboundFrame
}

// Server implements gnet.EventHandler for HTTP/1.x. Bytes are decoded on the
// event loop; responders run on an ants worker pool.
type Server struct {
	gnet.BuiltinEventEngine
	responder   Responder
	cfg         Config
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
	pool        *ants.Pool
	activeConns atomic.Int32
	engine      gnet.Engine
	booted      chan struct{}
	running     atomic.Bool
}

// NewServer creates a server that answers every request through r.
func NewServer(ctx context.Context, r Responder, cfg Config) (*Server, error) {
	if r == nil {
		return nil, errors.New("h1: nil responder")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	pool, err := newWorkerPool(cfg.Workers, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("h1: create worker pool: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		responder: r,
		cfg:       cfg,
		ctx:       serverCtx,
		cancel:    cancel,
		logger:    cfg.Logger,
		pool:      pool,
		booted:    make(chan struct{}),
	}, nil
}

func (s *Server) options() []gnet.Option {
	numLoops := s.cfg.NumEventLoop
	if numLoops <= 0 {
		numLoops = runtime.NumCPU()
	}
	keepAlive := s.cfg.TCPKeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Minute
	}
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(keepAlive),
		gnet.WithLogger(gnetLogger{s.logger}),
		gnet.WithLoadBalancing(gnet.RoundRobin),
		gnet.WithNumEventLoop(numLoops),
	}
	if s.cfg.ReadBufferCap > 0 {
		options = append(options, gnet.WithReadBufferCap(s.cfg.ReadBufferCap))
	}
	if s.cfg.WriteBufferCap > 0 {
		options = append(options, gnet.WithWriteBufferCap(s.cfg.WriteBufferCap))
	}
	return options
}

// Serve runs the event loops and blocks until the server stops.
func (s *Server) Serve() error {
	stop := date.Start()
	defer stop()

	s.logger.Info("starting HTTP/1.x server", "addr", s.cfg.Addr, "multicore", s.cfg.Multicore)
	return gnet.Run(s, "tcp://"+s.cfg.Addr, s.options()...)
}

// Start runs Serve in the background and returns once the listener is up.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve()
	}()

	select {
	case <-s.booted:
		return nil
	case err := <-errCh:
		if err == nil {
			err = errors.New("h1: server exited before boot")
		}
		return err
	}
}

// Stop stops accepting connections, cancels in-flight requests and releases
// the worker pool.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")
	s.cancel()

	var err error
	if s.running.Load() {
		stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
		defer stopCancel()
		if err = s.engine.Stop(stopCtx); err != nil {
			s.logger.Error("stop gnet engine", "error", err)
		}
	}
	if perr := s.pool.ReleaseTimeout(5 * time.Second); perr != nil && err == nil {
		err = perr
	}

	s.logger.Info("HTTP/1.x server shutdown complete")
	return err
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.running.Store(true)
	close(s.booted)
	if s.ctx.Err() != nil {
		// Stopped before the listener came up.
		return gnet.Shutdown
	}
	s.logger.Info("HTTP/1.x server is listening", "addr", s.cfg.Addr, "multicore", s.cfg.Multicore)
	return gnet.None
}

// OnShutdown is called when the server is shutting down.
func (s *Server) OnShutdown(_ gnet.Engine) {
	s.running.Store(false)
}

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if limit := s.cfg.MaxConnections; limit > 0 {
		if current := int(s.activeConns.Load()); current >= limit {
			s.logger.Warn("connection rejected: too many connections",
				"remote", remoteAddr(c), "active", current, "limit", limit)
			connectionsTotal.WithLabelValues("refused").Inc()
			return encodeResponse(serviceUnavailable()), gnet.Close
		}
	}

	s.activeConns.Add(1)
	connectionsActive.Inc()
	connectionsTotal.WithLabelValues("accepted").Inc()

	remote := remoteAddr(c)
	t := newGnetTransport(c, s.logger)
	c.SetContext(&session{
		decoder: NewDecoder(s.cfg.MaxHeaderBytes),
		remote:  remote,
		conn: NewConnection(s.ctx, t, s.responder, ConnConfig{
			MaxBodySize:    s.cfg.MaxBodySize,
			MaxHeaderBytes: s.cfg.MaxHeaderBytes,
			Dispatcher:     s.pool,
			Logger:         s.logger.With("remote", remote),
		}),
	})
	return nil, gnet.None
}

// OnClose is called when a connection is closed.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	sess, ok := c.Context().(*session)
	if !ok {
		return gnet.None
	}
	s.activeConns.Add(-1)
	connectionsActive.Dec()

	if err != nil {
		s.logger.Debug("connection closed with error", "remote", remoteAddr(c), "error", err)
	}
	if err == nil {
		err = io.EOF
	}
	sess.conn.Abort(err)
	c.SetContext(nil)
	return gnet.None
}

// OnTraffic decodes whatever bytes arrived and feeds the frames to the connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	sess, ok := c.Context().(*session)
	if !ok {
		s.logger.Error("connection has no session", "remote", remoteAddr(c))
		return gnet.Close
	}

	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Warn("read connection", "remote", remoteAddr(c), "error", err)
		return gnet.Close
	}
	if len(buf) == 0 {
		return gnet.None
	}

	frames, derr := sess.decoder.Decode(buf, sess.frames[:0])
	for _, f := range frames {
		if f.Kind == wire.FrameHead {
			f.Head.RemoteAddr = sess.remote
		}
	}
	if len(frames) > 0 {
		ferr := sess.conn.Feed(frames...)
		clear(frames)
		sess.frames = frames[:0]
		if ferr != nil {
			return gnet.None
		}
	}
	if derr != nil {
		s.logger.Debug("rejecting connection", "remote", remoteAddr(c), "error", derr)
		sess.conn.Reject(rejection(derr), derr)
	}
	return gnet.None
}

// rejection maps a decode error to the response sent before closing.
// A client speaking HTTP/2 gets nothing.
func rejection(err error) *wire.Response {
	code := 400
	switch {
	case errors.Is(err, ErrHTTP2Unsupported):
		return nil
	case errors.Is(err, ErrHeaderTooLarge):
		code = 431
	}
	status := wire.NewStatus(code)
	return &wire.Response{
		Head: wire.ResponseHead{Status: status, Header: wire.Header{{"connection", "close"}}},
		Body: &wire.Body{Data: []byte(status.Text()), MimeType: "text/plain; charset=utf-8"},
	}
}

// encodeResponse renders resp as one byte slice for paths that bypass a Connection.
func encodeResponse(resp *wire.Response) []byte {
	var out []byte
	for _, f := range Frames(resp) {
		out = AppendFrame(out, f)
	}
	return out
}
