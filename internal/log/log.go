// Package log is the structured logger used across the service.
//
// The Logger interface is small on purpose: every call takes a context so the
// slog backend can attach trace/span ids, and Error takes the error separately
// so its chain, types and stack can be rendered as attributes.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

// Options configures New. Zero values give an info-level text logger on
// stdout with stacks only at error level.
type Options struct {
	Writer     io.Writer
	JsonFormat bool
	Level      slog.Level
	// StacktraceLevel is the lowest level whose records carry a stack.
	StacktraceLevel slog.Level

	IncludeErrorLinks bool
	MaxErrorLinks     int

	// identity attributes on every record; empty ones are left out
	App       string
	Component string
	Version   string
	Commit    string
	BuildId   string
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
}
