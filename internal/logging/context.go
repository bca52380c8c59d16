package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	nodeKey
	ensembleKey
)

// WithExecutionID returns a context carrying the execution ID.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithNode returns a context carrying the dotted path of the running node.
func WithNode(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, nodeKey, path)
}

// WithEnsemble returns a context carrying the ensemble (definition) name.
func WithEnsemble(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ensembleKey, name)
}

func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

func Node(ctx context.Context) string {
	v, _ := ctx.Value(nodeKey).(string)
	return v
}

func Ensemble(ctx context.Context) string {
	v, _ := ctx.Value(ensembleKey).(string)
	return v
}

// WithIDs sets the execution ID and ensemble name at once.
func WithIDs(ctx context.Context, executionID, ensemble string) context.Context {
	return WithEnsemble(WithExecutionID(ctx, executionID), ensemble)
}

// LogWith returns a logger enriched with the correlation values in ctx.
// Only non-empty values are added.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String("execution_id", v))
	}
	if v := Ensemble(ctx); v != "" {
		attrs = append(attrs, slog.String("ensemble", v))
	}
	if v := Node(ctx); v != "" {
		attrs = append(attrs, slog.String("node", v))
	}
	return attrs
}

// CorrelationHandler wraps an slog.Handler and adds the correlation values
// found in the record's context, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
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

// New builds the process logger: a text handler on w wrapped in a CorrelationHandler.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
