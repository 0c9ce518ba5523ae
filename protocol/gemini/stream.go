package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/observability"
	"github.com/leofalp/relay/protocol"
)

// TransformStream converts a streamGenerateContent SSE body into an IR chunk
// stream. Every frame is a complete generateContentResponse document; the
// only state kept is the running tool-call index, since Gemini identifies
// calls by name rather than position.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser) ir.Stream {
	scanner := utils.NewSSEScanner(body)
	observer := observability.FromContext(ctx)

	return func(yield func(ir.Chunk, error) bool) {
		defer utils.CloseWithLog(ctx, body)

		nextToolIndex := 0

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
				yield(ir.Chunk{}, fmt.Errorf("gemini stream read: %w", err))
				return
			}

			var wire generateContentResponse
			if err := json.Unmarshal([]byte(payload), &wire); err != nil {
				observer.Warn(ctx, "skipping malformed gemini stream frame",
					observability.Error(err),
					observability.String("payload", utils.TruncateString(payload, 200)),
				)
				continue
			}

			chunk := ir.Chunk{ID: wire.ResponseID, Model: wire.ModelVersion}
			if wire.UsageMetadata != nil {
				usage := usageToIR(wire.UsageMetadata)
				chunk.Usage = &usage
			}

			if len(wire.Candidates) > 0 {
				cand := wire.Candidates[0]
				if cand.Content != nil {
					for _, p := range cand.Content.Parts {
						switch {
						case p.FunctionCall != nil:
							chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, ir.ToolCallDelta{
								Index:     nextToolIndex,
								ID:        p.FunctionCall.Name,
								Name:      p.FunctionCall.Name,
								Arguments: string(p.FunctionCall.Args),
							})
							nextToolIndex++
						case p.Thought:
							chunk.Delta.ReasoningContent += p.Text
						default:
							chunk.Delta.Content += p.Text
						}
						if p.ThoughtSignature != "" {
							if chunk.Delta.Thinking == nil {
								chunk.Delta.Thinking = &ir.Thinking{}
							}
							chunk.Delta.Thinking.Signature = p.ThoughtSignature
						}
					}
				}
				if cand.FinishReason != "" {
					chunk.FinishReason = strings.ToLower(cand.FinishReason)
				}
			}

			if chunk.Delta.IsEmpty() && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// FormatStream renders an IR chunk stream as streamGenerateContent SSE
// frames. Text and thought deltas flow through one frame per chunk, but
// tool-call argument fragments accumulate until the end: the wire format
// has no partial functionCall representation, so complete calls ride on the
// terminal frame together with the finish reason and usage.
func (t *Transformer) FormatStream(ctx context.Context, stream ir.Stream) protocol.Frames {
	return func(yield func([]byte, error) bool) {
		var (
			id     string
			model  string
			calls  []ir.ToolCallDelta
			finish string
			usage  ir.Usage
		)

		emit := func(frame generateContentResponse) bool {
			data, err := json.Marshal(frame)
			if err != nil {
				yield(nil, err)
				return false
			}
			return yield(utils.DataFrame(data), nil)
		}

		for chunk, err := range stream {
			if err != nil {
				yield(nil, err)
				return
			}

			if id == "" {
				id = chunk.ID
			}
			if model == "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				usage.Merge(*chunk.Usage)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			for _, delta := range chunk.Delta.ToolCalls {
				calls = mergeCallDelta(calls, delta)
			}

			var parts []part
			if chunk.Delta.ReasoningContent != "" {
				parts = append(parts, part{Text: chunk.Delta.ReasoningContent, Thought: true})
			}
			if th := chunk.Delta.Thinking; th != nil && (th.Content != "" || th.Signature != "") {
				parts = append(parts, part{Text: th.Content, Thought: true, ThoughtSignature: th.Signature})
			}
			if chunk.Delta.Content != "" {
				parts = append(parts, part{Text: chunk.Delta.Content})
			}
			if len(parts) == 0 {
				continue
			}

			ok := emit(generateContentResponse{
				Candidates:   []candidate{{Content: &content{Role: "model", Parts: parts}}},
				ResponseID:   id,
				ModelVersion: model,
			})
			if !ok {
				return
			}
		}

		// Terminal frame: assembled function calls, finish reason, usage.
		var parts []part
		for _, c := range calls {
			parts = append(parts, part{FunctionCall: &functionCall{
				Name: c.Name,
				Args: toolArgs(c.Arguments),
			}})
		}
		final := candidate{FinishReason: strings.ToUpper(finish)}
		if final.FinishReason == "" {
			final.FinishReason = "STOP"
		}
		if len(parts) > 0 {
			final.Content = &content{Role: "model", Parts: parts}
		}
		frame := generateContentResponse{
			Candidates:   []candidate{final},
			ResponseID:   id,
			ModelVersion: model,
		}
		if !usage.IsZero() {
			frame.UsageMetadata = usageFromIR(usage)
		}
		emit(frame)
	}
}

// mergeCallDelta folds one tool-call delta into the accumulated list,
// padding intermediate indexes so out-of-order fragments land correctly.
func mergeCallDelta(calls []ir.ToolCallDelta, delta ir.ToolCallDelta) []ir.ToolCallDelta {
	for len(calls) <= delta.Index {
		calls = append(calls, ir.ToolCallDelta{Index: len(calls)})
	}
	merged := &calls[delta.Index]
	if merged.ID == "" {
		merged.ID = delta.ID
	}
	if merged.Name == "" {
		merged.Name = delta.Name
	}
	merged.Arguments += delta.Arguments
	return calls
}
