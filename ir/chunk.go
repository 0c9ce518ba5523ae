package ir

import "iter"

// ToolCallDelta is an incremental update to one streamed tool call. Index
// orders concurrent tool calls; ID and Name appear only on the seeding
// delta, later deltas carry argument fragments.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Delta holds whichever incremental fields a chunk carries. Any subset may
// be populated; an empty Delta on a chunk with a finish reason or usage is
// a pure control frame.
type Delta struct {
	Role             Role            `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Thinking         *Thinking       `json:"thinking,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// IsEmpty reports whether the delta carries no incremental data.
func (d Delta) IsEmpty() bool {
	return d.Role == "" && d.Content == "" && d.ReasoningContent == "" &&
		d.Thinking == nil && len(d.ToolCalls) == 0
}

// Chunk is one unit of a streamed response: a delta, a terminal frame
// (FinishReason set), a usage-only frame, or any combination.
type Chunk struct {
	ID      string `json:"id,omitempty"`
	Model   string `json:"model,omitempty"`
	Created int64  `json:"created,omitempty"`

	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Stream is a lazy, finite, non-restartable sequence of chunks. Producers
// yield chunks in upstream arrival order; consumers stop the producer (and
// release its resources) by breaking out of the range loop. A non-nil error
// terminates the sequence.
type Stream = iter.Seq2[Chunk, error]

// FrameSeq is a lazy sequence of encoded SSE frames, each element a complete
// frame including its trailing blank line. It shares Stream's single-pass,
// pull-driven contract.
type FrameSeq = iter.Seq2[[]byte, error]

// SingleChunkStream wraps an already-complete response as a stream: one
// content-bearing chunk followed by a terminal chunk. Used when a client
// asked for SSE but the upstream path was unary.
func SingleChunkStream(resp *Response) Stream {
	return func(yield func(Chunk, error) bool) {
		head := Chunk{
			ID:      resp.ID,
			Model:   resp.Model,
			Created: resp.Created,
			Delta:   Delta{Role: RoleAssistant},
		}
		if resp.Content != nil {
			head.Delta.Content = *resp.Content
		}
		head.Delta.ReasoningContent = resp.ReasoningContent
		if resp.Thinking != nil {
			t := *resp.Thinking
			head.Delta.Thinking = &t
		}
		for i, call := range resp.ToolCalls {
			head.Delta.ToolCalls = append(head.Delta.ToolCalls, ToolCallDelta{
				Index:     i,
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		if !yield(head, nil) {
			return
		}

		usage := resp.Usage
		yield(Chunk{
			ID:           resp.ID,
			Model:        resp.Model,
			Created:      resp.Created,
			FinishReason: resp.FinishReason,
			Usage:        &usage,
		}, nil)
	}
}

// Collect drains a stream into a Response, concatenating content and
// reasoning deltas and assembling tool calls by index. The returned
// response is partial when err is non-nil.
func Collect(stream Stream) (*Response, error) {
	resp := &Response{}
	var content string
	var hasContent bool
	var calls []ToolCallDelta

	for chunk, err := range stream {
		if err != nil {
			finishCollect(resp, content, hasContent, calls)
			return resp, err
		}
		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Created != 0 {
			resp.Created = chunk.Created
		}
		if chunk.Delta.Content != "" {
			content += chunk.Delta.Content
			hasContent = true
		}
		resp.ReasoningContent += chunk.Delta.ReasoningContent
		if th := chunk.Delta.Thinking; th != nil {
			if resp.Thinking == nil {
				resp.Thinking = &Thinking{}
			}
			resp.Thinking.Content += th.Content
			if th.Signature != "" {
				resp.Thinking.Signature = th.Signature
			}
		}
		for _, delta := range chunk.Delta.ToolCalls {
			calls = mergeToolCallDelta(calls, delta)
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			resp.Usage.Merge(*chunk.Usage)
		}
	}

	finishCollect(resp, content, hasContent, calls)
	return resp, nil
}

func finishCollect(resp *Response, content string, hasContent bool, calls []ToolCallDelta) {
	if hasContent {
		resp.Content = Str(content)
	}
	for _, c := range calls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: ToolCallFunction{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		})
	}
}

func mergeToolCallDelta(calls []ToolCallDelta, delta ToolCallDelta) []ToolCallDelta {
	for len(calls) <= delta.Index {
		calls = append(calls, ToolCallDelta{Index: len(calls)})
	}
	merged := &calls[delta.Index]
	if delta.ID != "" {
		merged.ID = delta.ID
	}
	if delta.Name != "" {
		merged.Name = delta.Name
	}
	merged.Arguments += delta.Arguments
	return calls
}
