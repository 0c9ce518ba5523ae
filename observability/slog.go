package observability

import (
	"context"
	"log/slog"
)

// SlogObserver implements [Observer] on top of log/slog. Trace maps to a
// level below Debug so it can be enabled separately.
type SlogObserver struct {
	logger *slog.Logger
}

// LevelTrace sits one notch below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

// NewSlog creates a slog-backed observer. A nil logger falls back to
// slog.Default().
func NewSlog(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{logger: logger}
}

var _ Observer = (*SlogObserver)(nil)

func (o *SlogObserver) Trace(ctx context.Context, msg string, attrs ...Attribute) {
	o.log(ctx, LevelTrace, msg, attrs)
}

func (o *SlogObserver) Debug(ctx context.Context, msg string, attrs ...Attribute) {
	o.log(ctx, slog.LevelDebug, msg, attrs)
}

func (o *SlogObserver) Info(ctx context.Context, msg string, attrs ...Attribute) {
	o.log(ctx, slog.LevelInfo, msg, attrs)
}

func (o *SlogObserver) Warn(ctx context.Context, msg string, attrs ...Attribute) {
	o.log(ctx, slog.LevelWarn, msg, attrs)
}

func (o *SlogObserver) Error(ctx context.Context, msg string, attrs ...Attribute) {
	o.log(ctx, slog.LevelError, msg, attrs)
}

func (o *SlogObserver) log(ctx context.Context, level slog.Level, msg string, attrs []Attribute) {
	if !o.logger.Enabled(ctx, level) {
		return
	}
	logAttrs := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		logAttrs = append(logAttrs, slog.Any(attr.Key, attr.Value))
	}
	o.logger.LogAttrs(ctx, level, msg, logAttrs...)
}
