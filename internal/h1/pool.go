package h1

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/panjf2000/ants/v2"
)

// DefaultWorkers is the default number of goroutines running handlers.
const DefaultWorkers = 10_000

// newWorkerPool creates the non-blocking pool that runs responder invocations.
// Submit fails with ants.ErrPoolOverload instead of stalling an event loop.
func newWorkerPool(size int, logger *slog.Logger) (*ants.Pool, error) {
	if size <= 0 {
		size = DefaultWorkers
	}
	return ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithLogger(antsLogger{logger}),
		ants.WithPanicHandler(func(p any) {
			logger.Error("worker panic", "panic", p, "stack", string(debug.Stack()))
		}),
	)
}

// antsLogger routes ants' printf-style output to slog.
type antsLogger struct {
	l *slog.Logger
}

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Warn(fmt.Sprintf(format, args...), "component", "ants")
}

// gnetLogger routes gnet's printf-style output to slog.
type gnetLogger struct {
	l *slog.Logger
}

func (g gnetLogger) Debugf(format string, args ...any) {
	g.l.Debug(fmt.Sprintf(format, args...), "component", "gnet")
}

func (g gnetLogger) Infof(format string, args ...any) {
	g.l.Info(fmt.Sprintf(format, args...), "component", "gnet")
}

func (g gnetLogger) Warnf(format string, args ...any) {
	g.l.Warn(fmt.Sprintf(format, args...), "component", "gnet")
}

func (g gnetLogger) Errorf(format string, args ...any) {
	g.l.Error(fmt.Sprintf(format, args...), "component", "gnet")
}

func (g gnetLogger) Fatalf(format string, args ...any) {
	g.l.Error(fmt.Sprintf(format, args...), "component", "gnet", "fatal", true)
}
