package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/leofalp/relay/internal/tokencount"
	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/observability"
	"github.com/leofalp/relay/protocol"
)

/*
	STREAM TRANSFORM (Anthropic SSE → IR)
*/

// TransformStream converts a Messages SSE body into an IR chunk stream.
//
// Token imputation happens at message_delta: Anthropic reports one
// output_tokens figure spanning text and thinking, so when a thinking block
// was seen the visible text accumulated so far is counted heuristically and
// the remainder is attributed to reasoning.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser) ir.Stream {
	scanner := utils.NewSSEScanner(body)
	observer := observability.FromContext(ctx)

	return func(yield func(ir.Chunk, error) bool) {
		defer utils.CloseWithLog(ctx, body)

		var (
			id           string
			model        string
			textBuffer   strings.Builder
			seenThinking bool
			snapshot     wireUsage // From message_start
			terminal     bool
		)

		for {
			if ctx.Err() != nil {
				yield(ir.Chunk{}, ctx.Err())
				return
			}

			payload, err := scanner.Next()
			if err == io.EOF {
				// A stream that never produced a terminal event still owes
				// the consumer one: finalize with "stop" and whatever usage
				// was observed.
				if !terminal {
					usage := imputeStreamUsage(snapshot, snapshot.OutputTokens, textBuffer.String(), seenThinking)
					yield(ir.Chunk{ID: id, Model: model, FinishReason: "stop", Usage: &usage}, nil)
				}
				return
			}
			if err != nil {
				yield(ir.Chunk{}, fmt.Errorf("anthropic stream read: %w", err))
				return
			}

			event, parseErr := unmarshalStreamEvent(payload)
			if parseErr != nil {
				observer.Warn(ctx, "skipping malformed anthropic stream event",
					observability.Error(parseErr),
					observability.String("payload", utils.TruncateString(payload, 200)),
				)
				continue
			}

			switch event.Type {

			case "message_start":
				if event.Message == nil {
					continue
				}
				id = event.Message.ID
				model = event.Message.Model
				snapshot = event.Message.Usage
				usage := imputeStreamUsage(snapshot, snapshot.OutputTokens, "", false)
				if !yield(ir.Chunk{
					ID:    id,
					Model: model,
					Delta: ir.Delta{Role: ir.RoleAssistant},
					Usage: &usage,
				}, nil) {
					return
				}

			case "content_block_start":
				if event.ContentBlock == nil {
					continue
				}
				switch event.ContentBlock.Type {
				case "tool_use":
					// ID and name only appear here, not on the following
					// input_json_delta events.
					if !yield(ir.Chunk{ID: id, Model: model, Delta: ir.Delta{
						ToolCalls: []ir.ToolCallDelta{{
							Index: event.Index,
							ID:    event.ContentBlock.ID,
							Name:  event.ContentBlock.Name,
						}},
					}}, nil) {
						return
					}
				case "thinking":
					seenThinking = true
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text == "" {
						continue
					}
					textBuffer.WriteString(event.Delta.Text)
					if !yield(ir.Chunk{ID: id, Model: model, Delta: ir.Delta{Content: event.Delta.Text}}, nil) {
						return
					}
				case "thinking_delta":
					if event.Delta.Thinking == "" {
						continue
					}
					seenThinking = true
					if !yield(ir.Chunk{ID: id, Model: model, Delta: ir.Delta{ReasoningContent: event.Delta.Thinking}}, nil) {
						return
					}
				case "signature_delta":
					if !yield(ir.Chunk{ID: id, Model: model, Delta: ir.Delta{
						Thinking: &ir.Thinking{Signature: event.Delta.Signature},
					}}, nil) {
						return
					}
				case "input_json_delta":
					if event.Delta.PartialJSON == "" {
						continue
					}
					if !yield(ir.Chunk{ID: id, Model: model, Delta: ir.Delta{
						ToolCalls: []ir.ToolCallDelta{{
							Index:     event.Index,
							Arguments: event.Delta.PartialJSON,
						}},
					}}, nil) {
						return
					}
				}

			case "content_block_stop":
				// The next content_block_start identifies the new block type.

			case "message_delta":
				terminal = true
				finish := ""
				if event.Delta != nil {
					finish = mapStopReason(event.Delta.StopReason)
				}
				if finish == "" {
					finish = "stop"
				}
				output := snapshot.OutputTokens
				if event.Usage != nil {
					output = event.Usage.OutputTokens
					if event.Usage.InputTokens > 0 {
						snapshot.InputTokens = event.Usage.InputTokens
					}
					if event.Usage.CacheReadInputTokens > 0 {
						snapshot.CacheReadInputTokens = event.Usage.CacheReadInputTokens
					}
					if event.Usage.CacheCreationInputTokens > 0 {
						snapshot.CacheCreationInputTokens = event.Usage.CacheCreationInputTokens
					}
				}
				usage := imputeStreamUsage(snapshot, output, textBuffer.String(), seenThinking)
				if !yield(ir.Chunk{ID: id, Model: model, FinishReason: finish, Usage: &usage}, nil) {
					return
				}

			case "message_stop":
				return

			case "error":
				msg := "unknown stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				yield(ir.Chunk{}, fmt.Errorf("anthropic stream error: %s", msg))
				return

			case "ping":
				// Keep-alive; nothing to yield.

			default:
				// Unknown event types are skipped for forward compatibility.
			}
		}
	}
}

// imputeStreamUsage builds IR usage from the accumulated stream counters,
// splitting output between text and reasoning when thinking was seen.
func imputeStreamUsage(snapshot wireUsage, outputTokens int, text string, seenThinking bool) ir.Usage {
	usage := ir.Usage{
		InputTokens:         snapshot.InputTokens,
		OutputTokens:        outputTokens,
		CachedTokens:        snapshot.CacheReadInputTokens,
		CacheCreationTokens: snapshot.CacheCreationInputTokens,
	}
	if seenThinking {
		estimated := tokencount.Count(text)
		if estimated > outputTokens {
			estimated = outputTokens
		}
		usage.OutputTokens = estimated
		usage.ReasoningTokens = outputTokens - estimated
	}
	usage.TotalTokens = usage.InputTokens + usage.CachedTokens + usage.OutputTokens + usage.ReasoningTokens
	return usage
}

/*
	STREAM FORMAT (IR → Anthropic SSE)

	A block-lifecycle machine: one active block at a time, a monotonically
	increasing block index, and deferred finalization so that a usage-only
	chunk arriving after the finish reason still lands in message_delta.
*/

// FormatStream renders an IR chunk stream as Messages SSE events.
func (t *Transformer) FormatStream(ctx context.Context, stream ir.Stream) protocol.Frames {
	return func(yield func([]byte, error) bool) {
		f := &streamFormatter{}

		for chunk, err := range stream {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, frame := range f.feed(chunk) {
				if !yield(frame, nil) {
					return
				}
			}
		}

		for _, frame := range f.flush() {
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// streamFormatter holds the per-stream state of the Anthropic SSE encoder.
type streamFormatter struct {
	started bool
	id      string
	model   string

	nextBlockIndex int
	activeType     string // "", "text", "thinking", "tool_use"
	activeIndex    int

	finishReason string
	usage        ir.Usage
}

func (f *streamFormatter) feed(chunk ir.Chunk) [][]byte {
	var frames [][]byte

	if !f.started {
		f.started = true
		f.id = chunk.ID
		if f.id == "" {
			f.id = "msg_" + uuid.NewString()
		}
		f.model = chunk.Model
		start := ir.Usage{}
		if chunk.Usage != nil {
			start = *chunk.Usage
		}
		frames = append(frames, eventFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      f.id,
				"type":    "message",
				"role":    "assistant",
				"model":   f.model,
				"content": []any{},
				"usage":   usageToWire(start),
			},
		}))
	}

	if chunk.Usage != nil {
		f.usage.Merge(*chunk.Usage)
	}

	if chunk.Delta.ReasoningContent != "" {
		frames = append(frames, f.ensureBlock("thinking")...)
		frames = append(frames, eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": f.activeIndex,
			"delta": map[string]any{"type": "thinking_delta", "thinking": chunk.Delta.ReasoningContent},
		}))
	}
	if th := chunk.Delta.Thinking; th != nil {
		if th.Content != "" {
			frames = append(frames, f.ensureBlock("thinking")...)
			frames = append(frames, eventFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": f.activeIndex,
				"delta": map[string]any{"type": "thinking_delta", "thinking": th.Content},
			}))
		}
		if th.Signature != "" {
			frames = append(frames, f.ensureBlock("thinking")...)
			frames = append(frames, eventFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": f.activeIndex,
				"delta": map[string]any{"type": "signature_delta", "signature": th.Signature},
			}))
		}
	}

	if chunk.Delta.Content != "" {
		frames = append(frames, f.ensureBlock("text")...)
		frames = append(frames, eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": f.activeIndex,
			"delta": map[string]any{"type": "text_delta", "text": chunk.Delta.Content},
		}))
	}

	for _, call := range chunk.Delta.ToolCalls {
		if call.ID != "" || call.Name != "" {
			// A seeding delta opens a fresh tool_use block.
			frames = append(frames, f.closeActive()...)
			f.activeType = "tool_use"
			f.activeIndex = f.nextBlockIndex
			f.nextBlockIndex++
			callID := call.ID
			if callID == "" {
				callID = "toolu_" + uuid.NewString()
			}
			frames = append(frames, eventFrame("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": f.activeIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    callID,
					"name":  call.Name,
					"input": map[string]any{},
				},
			}))
		}
		if call.Arguments != "" && f.activeType == "tool_use" {
			frames = append(frames, eventFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": f.activeIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": call.Arguments},
			}))
		}
	}

	// Finish is deferred to flush so that a trailing usage-only chunk can
	// still be incorporated into message_delta.
	if chunk.FinishReason != "" {
		f.finishReason = chunk.FinishReason
	}

	return frames
}

func (f *streamFormatter) flush() [][]byte {
	var frames [][]byte

	if !f.started {
		return nil
	}

	frames = append(frames, f.closeActive()...)
	frames = append(frames, eventFrame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": unmapStopReason(f.finishReason), "stop_sequence": nil},
		"usage": usageToWire(f.usage),
	}))
	frames = append(frames, eventFrame("message_stop", map[string]any{"type": "message_stop"}))
	return frames
}

// ensureBlock makes blockType the active block, closing the previous block
// and opening a new one when the kind changes.
func (f *streamFormatter) ensureBlock(blockType string) [][]byte {
	if f.activeType == blockType {
		return nil
	}
	frames := f.closeActive()
	f.activeType = blockType
	f.activeIndex = f.nextBlockIndex
	f.nextBlockIndex++

	block := map[string]any{"type": blockType}
	switch blockType {
	case "text":
		block["text"] = ""
	case "thinking":
		block["thinking"] = ""
	}
	frames = append(frames, eventFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         f.activeIndex,
		"content_block": block,
	}))
	return frames
}

func (f *streamFormatter) closeActive() [][]byte {
	if f.activeType == "" {
		return nil
	}
	frame := eventFrame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": f.activeIndex,
	})
	f.activeType = ""
	return [][]byte{frame}
}

func eventFrame(name string, payload map[string]any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are built from plain maps and strings; marshalling them
		// cannot fail at runtime.
		data = []byte(`{}`)
	}
	return utils.EventFrame(name, data)
}
