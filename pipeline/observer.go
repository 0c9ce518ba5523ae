package pipeline

import (
	"context"
	"time"

	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/observability"
	"github.com/leofalp/relay/protocol"
)

// Status classifies how a request ended.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusUpstreamError    Status = "upstream_error"
	StatusClientDisconnect Status = "client_disconnect"
)

// Record accumulates the observable facts of one request. It is owned by a
// single request goroutine; the observer mutates it as chunks flow and
// finalizes it exactly once on the first exit path taken.
type Record struct {
	RequestID string
	Provider  string
	Model     string
	Ingress   protocol.APIType
	Egress    protocol.APIType
	Bypass    bool
	Pricing   string

	StartedAt  time.Time
	TTFT       time.Duration
	Duration   time.Duration
	ChunkCount int
	Usage      ir.Usage
	Status     Status

	finalized bool
}

// Finalize stamps the end state. Later calls are no-ops so that deferred
// cleanup cannot overwrite the status set on the real exit path.
func (r *Record) Finalize(status Status) bool {
	if r.finalized {
		return false
	}
	r.finalized = true
	r.Status = status
	if !r.StartedAt.IsZero() {
		r.Duration = time.Since(r.StartedAt)
	}
	return true
}

// Sink receives finalized records. The core calls it exactly once per
// request and does not persist anything itself.
type Sink interface {
	Record(ctx context.Context, rec *Record)
}

// SlogSink logs finalized records through the ambient observer. The
// zero value is usable.
type SlogSink struct{}

func (SlogSink) Record(ctx context.Context, rec *Record) {
	observability.FromContext(ctx).Info(ctx, "request finished",
		observability.String("request_id", rec.RequestID),
		observability.String("provider", rec.Provider),
		observability.String("model", rec.Model),
		observability.String("ingress", string(rec.Ingress)),
		observability.String("egress", string(rec.Egress)),
		observability.String("status", string(rec.Status)),
		observability.Bool("bypass", rec.Bypass),
		observability.Int("chunks", rec.ChunkCount),
		observability.Int("input_tokens", rec.Usage.InputTokens),
		observability.Int("output_tokens", rec.Usage.OutputTokens),
		observability.Int("reasoning_tokens", rec.Usage.ReasoningTokens),
		observability.Int("total_tokens", rec.Usage.TotalTokens),
		observability.Duration("ttft", rec.TTFT),
		observability.Duration("duration", rec.Duration),
	)
}

// Observe wraps a chunk stream with usage and timing bookkeeping. Chunks
// pass through unchanged. The record is finalized and delivered to the
// sink on every exit path: normal completion, upstream error, and consumer
// abandonment (which is how a client disconnect surfaces here).
func Observe(ctx context.Context, stream ir.Stream, rec *Record, sink Sink) ir.Stream {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	return func(yield func(ir.Chunk, error) bool) {
		finish := func(status Status) {
			if rec.Finalize(status) && sink != nil {
				sink.Record(ctx, rec)
			}
		}

		for chunk, err := range stream {
			if err != nil {
				if ctx.Err() != nil {
					finish(StatusClientDisconnect)
				} else {
					finish(StatusUpstreamError)
				}
				yield(chunk, err)
				return
			}

			if rec.ChunkCount == 0 {
				rec.TTFT = time.Since(rec.StartedAt)
			}
			rec.ChunkCount++
			if chunk.Usage != nil {
				rec.Usage.Merge(*chunk.Usage)
			}

			if !yield(chunk, nil) {
				finish(StatusClientDisconnect)
				return
			}
		}

		finish(StatusCompleted)
	}
}
