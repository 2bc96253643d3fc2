package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/albertbausili/alembic/internal/todo"
	"github.com/albertbausili/alembic/pkg/alembic"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	addr      string
	logLevel  string
	dbPath    string
	watch     bool
	timeout   time.Duration
	rateLimit int
	cors      bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/1.x server",
	Long: `Start the server with the Todo API, health check and Prometheus metrics.

Examples:
  # Start with default config
  alembic serve

  # Start with a config file and override the listen address
  alembic serve --config alembic.yaml --addr :9090

  # Reload the log level whenever the config file changes
  alembic serve --config alembic.yaml --watch`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.addr, "addr", "a", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveFlags.dbPath, "db", "alembic.db", "SQLite database for the Todo API")
	serveCmd.Flags().BoolVar(&serveFlags.watch, "watch", false, "reload the log level when the config file changes")
	serveCmd.Flags().DurationVar(&serveFlags.timeout, "timeout", 30*time.Second, "per-request handler timeout (0 disables)")
	serveCmd.Flags().IntVar(&serveFlags.rateLimit, "rate-limit", 0, "requests per second per client (0 disables)")
	serveCmd.Flags().BoolVar(&serveFlags.cors, "cors", false, "answer CORS preflight requests")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := alembic.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveFlags.addr != "" {
		cfg.Addr = serveFlags.addr
	}
	if serveFlags.logLevel != "" {
		cfg.Log.Level = serveFlags.logLevel
	}

	logger, level, err := alembic.NewLogger(os.Stdout, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	cfg.Logger = logger

	store, err := todo.Open(serveFlags.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	server := alembic.New(cfg)
	server.Use(
		alembic.RequestID(),
		alembic.LoggerWithConfig(alembic.LoggerConfig{Logger: logger, SkipPaths: []string{"/health", "/metrics"}}),
		alembic.Tracing(),
		alembic.Prometheus(),
		alembic.HealthWithConfig(alembic.HealthConfig{Check: store.Ping}),
	)
	if serveFlags.cors {
		server.Use(alembic.CORS(alembic.DefaultCORSConfig()))
	}
	if serveFlags.rateLimit > 0 {
		server.Use(alembic.RateLimiter(serveFlags.rateLimit))
	}
	server.Use(alembic.Compress())
	if serveFlags.timeout > 0 {
		server.Use(alembic.Timeout(serveFlags.timeout))
	}

	server.GET("/metrics", alembic.MetricsHandler(nil))
	todo.NewHandlers(store).Register(server)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveFlags.watch && cfgFile != "" {
		go func() {
			err := alembic.WatchConfig(ctx, cfgFile, logger, func(c alembic.Config) {
				l, err := alembic.ParseLevel(c.Log.Level)
				if err != nil {
					return
				}
				if l != level.Level() {
					logger.Info("log level changed", "from", level.Level(), "to", l)
					level.Set(l)
				}
			})
			if err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("starting alembic", "version", Version, "addr", cfg.Addr, "db", serveFlags.dbPath)
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
