// Package observability defines the logging and tracing contracts the
// gateway core reports through.
//
// The core never requires an observer: every hook tolerates a nil or no-op
// implementation, so transformers and the stream pipeline can be used as a
// plain library. The default implementation in this package is backed by
// log/slog.
package observability

import (
	"context"
	"time"
)

// Observer receives structured trace and error events from the core.
type Observer interface {
	Trace(ctx context.Context, msg string, attrs ...Attribute)
	Debug(ctx context.Context, msg string, attrs ...Attribute)
	Info(ctx context.Context, msg string, attrs ...Attribute)
	Warn(ctx context.Context, msg string, attrs ...Attribute)
	Error(ctx context.Context, msg string, attrs ...Attribute)
}

// Attribute is a key-value pair attached to an observation.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int creates an integer attribute.
func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value}
}

// Error creates an error attribute; a nil error yields an empty value.
func Error(err error) Attribute {
	if err == nil {
		return Attribute{Key: "error", Value: ""}
	}
	return Attribute{Key: "error", Value: err.Error()}
}

// Common attribute keys used across the gateway.
const (
	AttrProvider     = "llm.provider"
	AttrModel        = "llm.model"
	AttrEndpoint     = "llm.endpoint"
	AttrIngressAPI   = "gateway.ingress_api"
	AttrEgressAPI    = "gateway.egress_api"
	AttrAlias        = "gateway.alias"
	AttrStreamChunks = "stream.chunks"
	AttrStreamTTFT   = "stream.ttft"
	AttrUsageInput   = "usage.input_tokens"
	AttrUsageOutput  = "usage.output_tokens"
)
