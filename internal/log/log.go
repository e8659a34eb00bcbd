// Package log builds the process logger and carries it through contexts.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config is the small set of logger options exposed on the command line.
type Config struct {
	Version string

	// If Out is nil, stderr is used.
	Out io.Writer

	Level slog.Level
	JSON  bool
}

// NewLogger creates a configured *slog.Logger.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	hn, _ := os.Hostname()
	return slog.New(handler).With(
		slog.String("version", cfg.Version),
		slog.String("host", hn),
	)
}

// ParseLevel maps off/error/warn/info/debug/trace to a slog level. "off"
// yields a level above every record.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return slog.LevelError + 100, nil
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "trace":
		return slog.LevelDebug - 4, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// NewNopLogger returns a logger that discards all log events.
func NewNopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ctxKeyType struct{}

var ctxKey ctxKeyType

// WithLogger stores lg on ctx.
func WithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey, lg)
}

// FromContext returns the logger from ctx or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if lg, ok := ctx.Value(ctxKey).(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// Entry is one captured log record.
type Entry struct {
	Level slog.Level
	Msg   string
	Attrs map[string]any
}

// TestHandler captures records for assertions in tests.
type TestHandler struct {
	mu      *sync.Mutex
	entries *[]Entry
	attrs   []slog.Attr
}

// NewTestLogger returns a logger writing into a fresh TestHandler.
func NewTestLogger() (*slog.Logger, *TestHandler) {
	h := &TestHandler{mu: &sync.Mutex{}, entries: &[]Entry{}}
	return slog.New(h), h
}

func (h *TestHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *TestHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{Level: r.Level, Msg: r.Message, Attrs: map[string]any{}}
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.entries = append(*h.entries, e)
	h.mu.Unlock()
	return nil
}

func (h *TestHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TestHandler{mu: h.mu, entries: h.entries, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *TestHandler) WithGroup(string) slog.Handler { return h }

// Entries returns a copy of everything captured so far.
func (h *TestHandler) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Entry(nil), *h.entries...)
}

var _ slog.Handler = (*TestHandler)(nil)
