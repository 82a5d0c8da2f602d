package hostapi

import "context"

// LogSink receives script log lines for the execution that emitted them.
type LogSink func(level, line string)

type logSinkKey struct{}

// WithLogSink returns a context whose log.* calls are also delivered to sink.
func WithLogSink(ctx context.Context, sink LogSink) context.Context {
	return context.WithValue(ctx, logSinkKey{}, sink)
}

// LogSinkFrom returns the sink attached to ctx, or nil.
func LogSinkFrom(ctx context.Context) LogSink {
	sink, _ := ctx.Value(logSinkKey{}).(LogSink)
	return sink
}

type attrsKey struct{}

// WithLogAttrs attaches slog key/value pairs added to every script log record.
func WithLogAttrs(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(attrsKey{}).([]any)
	merged := append(append([]any{}, prev...), args...)
	return context.WithValue(ctx, attrsKey{}, merged)
}

func logAttrs(ctx context.Context) []any {
	args, _ := ctx.Value(attrsKey{}).([]any)
	return args
}
