package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Field keys shared by every component so log lines can be correlated.
const (
	KeyComponent     = "component"
	KeyNegotiationID = "negotiationId"
	KeyRequestID     = "requestId"
	KeySessionID     = "sessionId"
	KeySourceID      = "sourceId"
	KeyState         = "state"
	KeyDurationMs    = "durationMs"
	KeyError         = "error"
)

type contextKey struct{}

// handlerSlot holds the active handler. Component loggers created at package
// init keep a pointer to the slot, so Init can swap the handler later.
type handlerSlot struct {
	current atomic.Pointer[slog.Handler]
}

func (s *handlerSlot) load() slog.Handler {
	return *s.current.Load()
}

func (s *handlerSlot) store(h slog.Handler) {
	s.current.Store(&h)
}

// deferredHandler replays attrs and groups onto whatever handler is in the
// slot at the time a record is handled.
type deferredHandler struct {
	slot *handlerSlot
	ops  []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := h.slot.load()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.slot.load().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) with(op func(slog.Handler) slog.Handler) *deferredHandler {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	ops = append(ops, op)
	return &deferredHandler{slot: h.slot, ops: ops}
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	copied := append([]slog.Attr(nil), attrs...)
	return h.with(func(base slog.Handler) slog.Handler { return base.WithAttrs(copied) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(base slog.Handler) slog.Handler { return base.WithGroup(name) })
}

var (
	level         = new(slog.LevelVar)
	slot          = newSlot(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	defaultLogger = slog.New(&deferredHandler{slot: slot})
)

func newSlot(h slog.Handler) *handlerSlot {
	s := &handlerSlot{}
	s.store(h)
	return s
}

func init() {
	slog.SetDefault(defaultLogger)
}

// Init configures the process logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	level.Set(parseLevel(lvl))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	slot.store(handler)
	slog.SetDefault(defaultLogger)
}

// SetLevel changes the minimum level without replacing the handler.
func SetLevel(lvl string) {
	level.Set(parseLevel(lvl))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithNegotiation returns a child logger carrying negotiation correlation fields.
func WithNegotiation(logger *slog.Logger, negotiationID, requestID string) *slog.Logger {
	return logger.With(
		slog.String(KeyNegotiationID, negotiationID),
		slog.String(KeyRequestID, requestID),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
