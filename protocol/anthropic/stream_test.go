package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/leofalp/relay/ir"
)

func anthropicSSE(events ...[2]string) io.ReadCloser {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString("event: " + ev[0] + "\ndata: " + ev[1] + "\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func TestTransformStream_ThinkingImputation(t *testing.T) {
	body := anthropicSSE(
		[2]string{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":7,"output_tokens":1}}}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me consider"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":325,"thinkingTokens":695}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	)

	var chunks []ir.Chunk
	for chunk, err := range New().TransformStream(context.Background(), body) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	first := chunks[0]
	if first.ID != "msg_1" || first.Delta.Role != ir.RoleAssistant {
		t.Errorf("leading chunk: got %+v", first)
	}
	if first.Usage == nil || first.Usage.InputTokens != 7 {
		t.Errorf("leading usage: got %+v", first.Usage)
	}

	last := chunks[len(chunks)-1]
	if last.FinishReason != "stop" {
		t.Errorf("finish reason: got %q", last.FinishReason)
	}
	// count("Hello") = 2; reasoning = 325 - 2; total = 7 + 2 + 323.
	if last.Usage == nil || last.Usage.OutputTokens != 2 || last.Usage.ReasoningTokens != 323 {
		t.Errorf("imputed usage: got %+v", last.Usage)
	}
	if last.Usage.TotalTokens != 332 {
		t.Errorf("total: got %d want 332", last.Usage.TotalTokens)
	}

	var sawThinking, sawText bool
	for _, c := range chunks {
		if c.Delta.ReasoningContent == "let me consider" {
			sawThinking = true
		}
		if c.Delta.Content == "Hello" {
			sawText = true
		}
	}
	if !sawThinking || !sawText {
		t.Errorf("deltas missing: thinking=%v text=%v", sawThinking, sawText)
	}
}

func TestTransformStream_ToolUseIndexes(t *testing.T) {
	body := anthropicSSE(
		[2]string{"message_start", `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":4,"output_tokens":0}}}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_a","name":"lookup","input":{}}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	)

	resp, err := ir.Collect(New().TransformStream(context.Background(), body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls: got %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "toolu_a" || call.Function.Name != "lookup" || call.Function.Arguments != `{"q":"x"}` {
		t.Errorf("assembled call: got %+v", call)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason: got %q", resp.FinishReason)
	}
}

func TestTransformStream_TruncatedStreamFinalizes(t *testing.T) {
	// No message_delta or message_stop; the consumer still gets a terminal.
	body := anthropicSSE(
		[2]string{"message_start", `{"type":"message_start","message":{"id":"msg_3","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`},
	)

	var last ir.Chunk
	for chunk, err := range New().TransformStream(context.Background(), body) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		last = chunk
	}
	if last.FinishReason != "stop" {
		t.Errorf("truncated stream finish: got %q", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.InputTokens != 3 {
		t.Errorf("observed usage: got %+v", last.Usage)
	}
}

func TestTransformStream_SkipsMalformedEvents(t *testing.T) {
	body := anthropicSSE(
		[2]string{"message_start", `{"type":"message_start","message":{"id":"msg_4","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":1,"output_tokens":0}}}`},
		[2]string{"content_block_delta", `{broken`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	)

	var contents []string
	for chunk, err := range New().TransformStream(context.Background(), body) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if chunk.Delta.Content != "" {
			contents = append(contents, chunk.Delta.Content)
		}
	}
	if len(contents) != 1 || contents[0] != "ok" {
		t.Errorf("contents after malformed frame: got %v", contents)
	}
}

// parseFrames splits SSE frames into (event, decoded payload) pairs.
func parseFrames(t *testing.T, frames [][]byte) []struct {
	event string
	data  map[string]any
} {
	t.Helper()
	var out []struct {
		event string
		data  map[string]any
	}
	for _, frame := range frames {
		text := string(frame)
		lines := strings.Split(strings.TrimSuffix(text, "\n\n"), "\n")
		if len(lines) != 2 || !strings.HasPrefix(lines[0], "event: ") || !strings.HasPrefix(lines[1], "data: ") {
			t.Fatalf("malformed frame: %q", text)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &data); err != nil {
			t.Fatalf("frame payload: %v", err)
		}
		out = append(out, struct {
			event string
			data  map[string]any
		}{event: strings.TrimPrefix(lines[0], "event: "), data: data})
	}
	return out
}

func collectFrames(t *testing.T, stream ir.Stream) [][]byte {
	t.Helper()
	var frames [][]byte
	for frame, err := range New().FormatStream(context.Background(), stream) {
		if err != nil {
			t.Fatalf("format error: %v", err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestFormatStream_UsageAfterFinish(t *testing.T) {
	// Chunk 1 carries the finish reason with no usage; chunk 2 is a
	// usage-only trailer. Exactly one message_delta must be emitted, after
	// chunk 2, carrying both.
	stream := func(yield func(ir.Chunk, error) bool) {
		if !yield(ir.Chunk{ID: "msg_9", Model: "claude-test", Delta: ir.Delta{Content: "hi"}}, nil) {
			return
		}
		if !yield(ir.Chunk{FinishReason: "stop"}, nil) {
			return
		}
		yield(ir.Chunk{Usage: &ir.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}}, nil)
	}

	events := parseFrames(t, collectFrames(t, stream))

	deltaCount := 0
	var messageDelta map[string]any
	for _, ev := range events {
		if ev.event == "message_delta" {
			deltaCount++
			messageDelta = ev.data
		}
	}
	if deltaCount != 1 {
		t.Fatalf("message_delta count: got %d want 1", deltaCount)
	}
	delta := messageDelta["delta"].(map[string]any)
	if delta["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason: got %v", delta["stop_reason"])
	}
	usage := messageDelta["usage"].(map[string]any)
	if usage["output_tokens"].(float64) != 20 || usage["input_tokens"].(float64) != 10 {
		t.Errorf("usage: got %v", usage)
	}
	if events[len(events)-1].event != "message_stop" {
		t.Errorf("terminator: got %q", events[len(events)-1].event)
	}
}

func TestFormatStream_BlockStartStopPairing(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		if !yield(ir.Chunk{ID: "msg_10", Delta: ir.Delta{ReasoningContent: "think"}}, nil) {
			return
		}
		if !yield(ir.Chunk{Delta: ir.Delta{Content: "answer"}}, nil) {
			return
		}
		if !yield(ir.Chunk{Delta: ir.Delta{ToolCalls: []ir.ToolCallDelta{{Index: 0, ID: "toolu_x", Name: "f"}}}}, nil) {
			return
		}
		if !yield(ir.Chunk{Delta: ir.Delta{ToolCalls: []ir.ToolCallDelta{{Index: 0, Arguments: `{"a":1}`}}}}, nil) {
			return
		}
		yield(ir.Chunk{FinishReason: "tool_calls"}, nil)
	}

	events := parseFrames(t, collectFrames(t, stream))

	started := map[float64]int{}
	stopped := map[float64]int{}
	for _, ev := range events {
		switch ev.event {
		case "content_block_start":
			started[ev.data["index"].(float64)]++
		case "content_block_stop":
			stopped[ev.data["index"].(float64)]++
		}
	}
	if len(started) != 3 {
		t.Fatalf("expected 3 blocks (thinking, text, tool_use), got %v", started)
	}
	for index, n := range started {
		if n != 1 || stopped[index] != 1 {
			t.Errorf("block %v: started %d stopped %d", index, n, stopped[index])
		}
	}
	// Block indexes are a contiguous prefix of the naturals.
	for i := 0; i < len(started); i++ {
		if started[float64(i)] != 1 {
			t.Errorf("missing block index %d: %v", i, started)
		}
	}
}

func TestFormatStream_ThinkingTokensOnWire(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		if !yield(ir.Chunk{ID: "msg_11", Delta: ir.Delta{ReasoningContent: "let me consider"}}, nil) {
			return
		}
		if !yield(ir.Chunk{Delta: ir.Delta{Content: "Hello"}}, nil) {
			return
		}
		yield(ir.Chunk{FinishReason: "stop", Usage: &ir.Usage{
			InputTokens: 7, OutputTokens: 2, ReasoningTokens: 323, TotalTokens: 332,
		}}, nil)
	}

	events := parseFrames(t, collectFrames(t, stream))
	var usage map[string]any
	for _, ev := range events {
		if ev.event == "message_delta" {
			usage = ev.data["usage"].(map[string]any)
		}
	}
	if usage == nil {
		t.Fatal("no message_delta")
	}
	if usage["thinkingTokens"].(float64) != 323 {
		t.Errorf("thinkingTokens: got %v", usage["thinkingTokens"])
	}
	// Wire output spans text + thinking.
	if usage["output_tokens"].(float64) != 325 {
		t.Errorf("output_tokens: got %v", usage["output_tokens"])
	}
}

func TestFormatStream_MessageStartFirst(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		yield(ir.Chunk{ID: "msg_12", Model: "claude-test", Delta: ir.Delta{Role: ir.RoleAssistant}, Usage: &ir.Usage{InputTokens: 9}}, nil)
	}

	events := parseFrames(t, collectFrames(t, stream))
	if events[0].event != "message_start" {
		t.Fatalf("first event: got %q", events[0].event)
	}
	message := events[0].data["message"].(map[string]any)
	if message["id"] != "msg_12" || message["model"] != "claude-test" {
		t.Errorf("message envelope: got %v", message)
	}
	usage := message["usage"].(map[string]any)
	if usage["input_tokens"].(float64) != 9 {
		t.Errorf("start usage: got %v", usage)
	}
}
