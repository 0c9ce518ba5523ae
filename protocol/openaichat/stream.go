package openaichat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/observability"
	"github.com/leofalp/relay/protocol"
)

// TransformStream converts a chat completions SSE body into an IR chunk
// stream. Malformed frames are logged and skipped; the stream ends on
// [DONE], EOF, or a reader error.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser) ir.Stream {
	scanner := utils.NewSSEScanner(body)
	observer := observability.FromContext(ctx)

	return func(yield func(ir.Chunk, error) bool) {
		defer utils.CloseWithLog(ctx, body)

		for {
			if ctx.Err() != nil {
				yield(ir.Chunk{}, ctx.Err())
				return
			}

			payload, err := scanner.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(ir.Chunk{}, fmt.Errorf("chat stream read: %w", err))
				return
			}

			var wire chatStreamChunk
			if err := json.Unmarshal([]byte(payload), &wire); err != nil {
				observer.Warn(ctx, "skipping malformed chat stream frame",
					observability.Error(err),
					observability.String("payload", utils.TruncateString(payload, 200)),
				)
				continue
			}

			chunk := streamChunkToIR(&wire)
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func streamChunkToIR(wire *chatStreamChunk) ir.Chunk {
	chunk := ir.Chunk{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.Created,
	}
	if wire.Usage != nil {
		usage := usageToIR(wire.Usage)
		chunk.Usage = &usage
	}

	if len(wire.Choices) == 0 {
		return chunk
	}
	choice := wire.Choices[0]
	chunk.Delta.Role = ir.Role(choice.Delta.Role)
	if choice.Delta.Content != nil {
		chunk.Delta.Content = *choice.Delta.Content
	}
	if choice.Delta.ReasoningContent != nil {
		chunk.Delta.ReasoningContent = *choice.Delta.ReasoningContent
	}
	for _, part := range choice.Delta.ToolCalls {
		chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, ir.ToolCallDelta{
			Index:     part.Index,
			ID:        part.ID,
			Name:      part.Function.Name,
			Arguments: part.Function.Arguments,
		})
	}
	if choice.FinishReason != nil {
		chunk.FinishReason = *choice.FinishReason
	}
	return chunk
}

// FormatStream renders an IR chunk stream as chat completions SSE frames,
// one data frame per chunk, terminated by [DONE].
func (t *Transformer) FormatStream(ctx context.Context, stream ir.Stream) protocol.Frames {
	return func(yield func([]byte, error) bool) {
		// Stable identity across frames; filled from the first chunk that
		// carries one, generated otherwise.
		id := ""
		model := ""
		created := int64(0)

		for chunk, err := range stream {
			if err != nil {
				yield(nil, err)
				return
			}

			if id == "" {
				id = chunk.ID
				if id == "" {
					id = "chatcmpl-" + uuid.NewString()
				}
			}
			if model == "" {
				model = chunk.Model
			}
			if created == 0 {
				created = chunk.Created
				if created == 0 {
					created = time.Now().Unix()
				}
			}

			wire := irChunkToStream(chunk, id, model, created)
			data, marshalErr := json.Marshal(wire)
			if marshalErr != nil {
				yield(nil, marshalErr)
				return
			}
			if !yield(utils.DataFrame(data), nil) {
				return
			}
		}

		yield(utils.DoneFrame(), nil)
	}
}

func irChunkToStream(chunk ir.Chunk, id, model string, created int64) chatStreamChunk {
	wire := chatStreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
	}
	if chunk.Usage != nil {
		wire.Usage = usageFromIR(*chunk.Usage)
	}

	// A usage-only frame has no choices, matching the include_usage
	// convention.
	if chunk.Delta.IsEmpty() && chunk.FinishReason == "" {
		wire.Choices = []streamChoice{}
		return wire
	}

	choice := streamChoice{Index: 0}
	choice.Delta.Role = string(chunk.Delta.Role)
	if chunk.Delta.Content != "" {
		choice.Delta.Content = &chunk.Delta.Content
	}
	if chunk.Delta.ReasoningContent != "" {
		choice.Delta.ReasoningContent = &chunk.Delta.ReasoningContent
	}
	// Thinking deltas fold into the reasoning channel; chat has no separate
	// signature field.
	if chunk.Delta.Thinking != nil && chunk.Delta.Thinking.Content != "" {
		if choice.Delta.ReasoningContent == nil {
			choice.Delta.ReasoningContent = &chunk.Delta.Thinking.Content
		} else {
			joined := *choice.Delta.ReasoningContent + chunk.Delta.Thinking.Content
			choice.Delta.ReasoningContent = &joined
		}
	}
	for _, delta := range chunk.Delta.ToolCalls {
		part := streamToolCallPart{Index: delta.Index, ID: delta.ID}
		if delta.ID != "" {
			part.Type = "function"
		}
		part.Function.Name = delta.Name
		part.Function.Arguments = delta.Arguments
		choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, part)
	}
	if chunk.FinishReason != "" {
		reason := chunk.FinishReason
		choice.FinishReason = &reason
	}

	wire.Choices = []streamChoice{choice}
	return wire
}
