package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// Options controls the handler installed by Setup.
type Options struct {
	Production bool
	Debug      bool
	Output     io.Writer
}

// Setup installs the default slog logger: JSON in production, text otherwise.
func Setup(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if opts.Debug {
		handlerOpts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.Production {
		handler = NewTraceHandler(slog.NewJSONHandler(out, handlerOpts))
	} else {
		handler = NewTraceHandler(slog.NewTextHandler(out, handlerOpts))
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

// TraceHandler adds span ids and LogFields from the record context.
type TraceHandler struct {
	slog.Handler
}

// NewTraceHandler wraps h.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	if fields.SourceID != nil {
		r.AddAttrs(slog.String("source_id", *fields.SourceID))
	}
	if fields.EntityID != nil {
		r.AddAttrs(slog.String("entity_id", *fields.EntityID))
	}
	if fields.RunID != nil {
		r.AddAttrs(slog.String("run_id", *fields.RunID))
	}
	if fields.EventID != nil {
		r.AddAttrs(slog.Int64("event_id", *fields.EventID))
	}
	if fields.DedupKey != nil {
		r.AddAttrs(slog.String("dedup_key", *fields.DedupKey))
	}
	if fields.Topic != nil {
		r.AddAttrs(slog.String("topic", *fields.Topic))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
