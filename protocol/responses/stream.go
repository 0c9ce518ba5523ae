package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/observability"
	"github.com/leofalp/relay/protocol"
)

/*
	STREAM TRANSFORM (wire -> IR)
*/

// TransformStream converts a Responses SSE body into an IR chunk stream.
// Tool calls are ordered by arrival of their output_item.added events;
// argument deltas are routed to the call via item_id.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser) ir.Stream {
	scanner := utils.NewSSEScanner(body)
	observer := observability.FromContext(ctx)

	return func(yield func(ir.Chunk, error) bool) {
		defer utils.CloseWithLog(ctx, body)

		var id, model string
		toolIndexByItem := map[string]int{}
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
				yield(ir.Chunk{}, fmt.Errorf("responses stream read: %w", err))
				return
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil || event.Type == "" {
				observer.Warn(ctx, "skipping malformed responses stream frame",
					observability.Error(err),
					observability.String("payload", utils.TruncateString(payload, 200)),
				)
				continue
			}

			switch event.Type {
			case "response.created":
				if event.Response != nil {
					id = event.Response.ID
					model = event.Response.Model
				}
				if !yield(ir.Chunk{ID: id, Model: model, Delta: ir.Delta{Role: ir.RoleAssistant}}, nil) {
					return
				}

			case "response.output_text.delta":
				chunk := ir.Chunk{ID: id, Model: model}
				chunk.Delta.Content = event.Delta
				if !yield(chunk, nil) {
					return
				}

			case "response.reasoning_summary_text.delta":
				chunk := ir.Chunk{ID: id, Model: model}
				chunk.Delta.ReasoningContent = event.Delta
				if !yield(chunk, nil) {
					return
				}

			case "response.output_item.added":
				if event.Item == nil || event.Item.Type != "function_call" {
					continue
				}
				index := nextToolIndex
				nextToolIndex++
				toolIndexByItem[event.Item.ID] = index
				chunk := ir.Chunk{ID: id, Model: model}
				chunk.Delta.ToolCalls = []ir.ToolCallDelta{{
					Index: index,
					ID:    event.Item.CallID,
					Name:  event.Item.Name,
				}}
				if !yield(chunk, nil) {
					return
				}

			case "response.function_call_arguments.delta":
				index, ok := toolIndexByItem[event.ItemID]
				if !ok {
					// Delta for an unseeded call: assign the next slot.
					index = nextToolIndex
					nextToolIndex++
					toolIndexByItem[event.ItemID] = index
				}
				chunk := ir.Chunk{ID: id, Model: model}
				chunk.Delta.ToolCalls = []ir.ToolCallDelta{{Index: index, Arguments: event.Delta}}
				if !yield(chunk, nil) {
					return
				}

			case "response.completed":
				chunk := ir.Chunk{ID: id, Model: model, FinishReason: ir.FinishStop}
				if event.Response != nil && event.Response.Usage != nil {
					usage := usageToIR(event.Response.Usage)
					chunk.Usage = &usage
				}
				yield(chunk, nil)
				return

			case "response.failed", "error":
				yield(ir.Chunk{}, fmt.Errorf("%w: upstream reported %s", protocol.ErrUpstreamProtocol, event.Type))
				return
			}
		}
	}
}

/*
	STREAM FORMAT (IR -> wire)
*/

// streamFormatter holds the lifecycle state of one formatted stream.
// Message, reasoning, and tool-call items are created lazily as their
// first delta arrives and share a single output index space; every item
// is finalized on flush and collected into response.completed.
type streamFormatter struct {
	seq          int
	started      bool
	responseID   string
	model        string
	createdAt    int64
	nextOutIndex int
	finished     map[int]outputItem

	msgIndex     int
	msgItemID    string
	msgText      string
	msgPartAdded bool

	reasoningIndex  int
	reasoningItemID string
	reasoningText   string

	tools map[int]*toolItemState

	finishReason string
	usage        ir.Usage
}

// toolItemState tracks one streamed function_call item.
type toolItemState struct {
	outputIndex int
	itemID      string
	callID      string
	name        string
	args        string
}

func newStreamFormatter() *streamFormatter {
	return &streamFormatter{
		finished:       map[int]outputItem{},
		msgIndex:       -1,
		reasoningIndex: -1,
		tools:          map[int]*toolItemState{},
	}
}

// FormatStream renders an IR chunk stream as Responses lifecycle events
// with an injected monotonic sequence_number starting at 0.
func (t *Transformer) FormatStream(ctx context.Context, stream ir.Stream) protocol.Frames {
	return func(yield func([]byte, error) bool) {
		f := newStreamFormatter()

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

// frame encodes one lifecycle event, injecting and advancing the sequence
// number.
func (f *streamFormatter) frame(eventType string, payload map[string]any) []byte {
	payload["type"] = eventType
	payload["sequence_number"] = f.seq
	f.seq++
	data, _ := json.Marshal(payload)
	return utils.EventFrame(eventType, data)
}

// reserveOutputIndex hands out the next slot in the shared index space.
func (f *streamFormatter) reserveOutputIndex() int {
	index := f.nextOutIndex
	f.nextOutIndex++
	return index
}

// envelope builds the response object carried by lifecycle events.
func (f *streamFormatter) envelope(status string, output []outputItem) map[string]any {
	if output == nil {
		output = []outputItem{}
	}
	resp := map[string]any{
		"id":         f.responseID,
		"object":     "response",
		"created_at": f.createdAt,
		"model":      f.model,
		"status":     status,
		"output":     output,
	}
	return resp
}

func (f *streamFormatter) feed(chunk ir.Chunk) [][]byte {
	var frames [][]byte

	if !f.started {
		f.started = true
		f.responseID = chunk.ID
		if f.responseID == "" {
			f.responseID = "resp_" + uuid.NewString()
		}
		f.model = chunk.Model
		f.createdAt = chunk.Created
		if f.createdAt == 0 {
			f.createdAt = time.Now().Unix()
		}
		frames = append(frames,
			f.frame("response.created", map[string]any{"response": f.envelope("in_progress", nil)}),
			f.frame("response.in_progress", map[string]any{"response": f.envelope("in_progress", nil)}),
		)
	}

	if chunk.Delta.ReasoningContent != "" || (chunk.Delta.Thinking != nil && chunk.Delta.Thinking.Content != "") {
		text := chunk.Delta.ReasoningContent
		if chunk.Delta.Thinking != nil {
			text += chunk.Delta.Thinking.Content
		}
		if f.reasoningIndex < 0 {
			f.reasoningIndex = f.reserveOutputIndex()
			f.reasoningItemID = "rs_" + uuid.NewString()
			frames = append(frames, f.frame("response.output_item.added", map[string]any{
				"output_index": f.reasoningIndex,
				"item": outputItem{
					ID:      f.reasoningItemID,
					Type:    "reasoning",
					Summary: []summaryItem{},
				},
			}))
		}
		f.reasoningText += text
	}

	if chunk.Delta.Content != "" {
		if f.msgIndex < 0 {
			f.msgIndex = f.reserveOutputIndex()
			f.msgItemID = "msg_" + uuid.NewString()
			frames = append(frames, f.frame("response.output_item.added", map[string]any{
				"output_index": f.msgIndex,
				"item": outputItem{
					ID:      f.msgItemID,
					Type:    "message",
					Status:  "in_progress",
					Role:    "assistant",
					Content: []contentOutput{},
				},
			}))
		}
		if !f.msgPartAdded {
			f.msgPartAdded = true
			frames = append(frames, f.frame("response.content_part.added", map[string]any{
				"item_id":       f.msgItemID,
				"output_index":  f.msgIndex,
				"content_index": 0,
				"part":          contentOutput{Type: "output_text", Annotations: []wireAnnotation{}},
			}))
		}
		f.msgText += chunk.Delta.Content
		frames = append(frames, f.frame("response.output_text.delta", map[string]any{
			"item_id":       f.msgItemID,
			"output_index":  f.msgIndex,
			"content_index": 0,
			"delta":         chunk.Delta.Content,
		}))
	}

	for _, delta := range chunk.Delta.ToolCalls {
		state, ok := f.tools[delta.Index]
		if !ok {
			state = &toolItemState{
				outputIndex: f.reserveOutputIndex(),
				itemID:      "fc_" + uuid.NewString(),
			}
			f.tools[delta.Index] = state
		}
		if delta.ID != "" {
			state.callID = delta.ID
		}
		if delta.Name != "" {
			state.name = delta.Name
		}
		if !ok {
			if state.callID == "" {
				state.callID = "call_" + uuid.NewString()
			}
			frames = append(frames, f.frame("response.output_item.added", map[string]any{
				"output_index": state.outputIndex,
				"item": outputItem{
					ID:     state.itemID,
					Type:   "function_call",
					Status: "in_progress",
					CallID: state.callID,
					Name:   state.name,
				},
			}))
		}
		if delta.Arguments != "" {
			state.args = normalizeToolArgs(state.args, delta.Arguments)
			frames = append(frames, f.frame("response.function_call_arguments.delta", map[string]any{
				"item_id":      state.itemID,
				"output_index": state.outputIndex,
				"delta":        delta.Arguments,
			}))
		}
	}

	if chunk.FinishReason != "" {
		f.finishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		f.usage.Merge(*chunk.Usage)
	}

	return frames
}

// flush finalizes every open item and emits response.completed with the
// finished items sorted by output index.
func (f *streamFormatter) flush() [][]byte {
	var frames [][]byte

	if !f.started {
		f.started = true
		f.responseID = "resp_" + uuid.NewString()
		f.createdAt = time.Now().Unix()
		frames = append(frames,
			f.frame("response.created", map[string]any{"response": f.envelope("in_progress", nil)}),
			f.frame("response.in_progress", map[string]any{"response": f.envelope("in_progress", nil)}),
		)
	}

	if f.reasoningIndex >= 0 {
		item := outputItem{
			ID:      f.reasoningItemID,
			Type:    "reasoning",
			Summary: []summaryItem{{Type: "summary_text", Text: f.reasoningText}},
		}
		f.finished[f.reasoningIndex] = item
		frames = append(frames, f.frame("response.output_item.done", map[string]any{
			"output_index": f.reasoningIndex,
			"item":         item,
		}))
	}

	if f.msgIndex >= 0 {
		part := contentOutput{Type: "output_text", Text: f.msgText, Annotations: []wireAnnotation{}}
		frames = append(frames,
			f.frame("response.output_text.done", map[string]any{
				"item_id":       f.msgItemID,
				"output_index":  f.msgIndex,
				"content_index": 0,
				"text":          f.msgText,
			}),
			f.frame("response.content_part.done", map[string]any{
				"item_id":       f.msgItemID,
				"output_index":  f.msgIndex,
				"content_index": 0,
				"part":          part,
			}),
		)
		item := outputItem{
			ID:      f.msgItemID,
			Type:    "message",
			Status:  "completed",
			Role:    "assistant",
			Content: []contentOutput{part},
		}
		f.finished[f.msgIndex] = item
		frames = append(frames, f.frame("response.output_item.done", map[string]any{
			"output_index": f.msgIndex,
			"item":         item,
		}))
	}

	for _, state := range sortedToolStates(f.tools) {
		item := outputItem{
			ID:        state.itemID,
			Type:      "function_call",
			Status:    "completed",
			CallID:    state.callID,
			Name:      state.name,
			Arguments: state.args,
		}
		f.finished[state.outputIndex] = item
		frames = append(frames, f.frame("response.output_item.done", map[string]any{
			"output_index": state.outputIndex,
			"item":         item,
		}))
	}

	output := make([]outputItem, 0, len(f.finished))
	indexes := make([]int, 0, len(f.finished))
	for index := range f.finished {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		output = append(output, f.finished[index])
	}

	envelope := f.envelope("completed", output)
	if !f.usage.IsZero() {
		envelope["usage"] = usageFromIR(f.usage)
	}
	frames = append(frames, f.frame("response.completed", map[string]any{"response": envelope}))
	return frames
}

func sortedToolStates(tools map[int]*toolItemState) []*toolItemState {
	states := make([]*toolItemState, 0, len(tools))
	for _, s := range tools {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].outputIndex < states[j].outputIndex })
	return states
}

// normalizeToolArgs folds one argument fragment into the accumulator. Some
// providers re-send the complete arguments object as the final fragment;
// a syntactically complete JSON object replaces what came before instead
// of being appended to it.
func normalizeToolArgs(previous, delta string) string {
	trimmed := strings.TrimSpace(delta)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && json.Valid([]byte(trimmed)) {
		return trimmed
	}
	return previous + delta
}
