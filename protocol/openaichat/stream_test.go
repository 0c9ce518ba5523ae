package openaichat

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/leofalp/relay/ir"
)

func sseBody(frames ...string) io.ReadCloser {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: " + f + "\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func TestTransformStream_DeltaChain(t *testing.T) {
	body := sseBody(
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
		`[DONE]`,
	)

	var chunks []ir.Chunk
	for chunk, err := range New().TransformStream(context.Background(), body) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) != 3 {
		t.Fatalf("chunk count: got %d want 3", len(chunks))
	}
	if chunks[0].Delta.Role != ir.RoleAssistant || chunks[0].Delta.Content != "Hel" {
		t.Errorf("first chunk: got %+v", chunks[0])
	}
	if chunks[1].Delta.Content != "lo" {
		t.Errorf("second chunk: got %+v", chunks[1])
	}
	last := chunks[2]
	if last.FinishReason != "stop" {
		t.Errorf("finish reason: got %q", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.InputTokens != 10 || last.Usage.OutputTokens != 2 || last.Usage.TotalTokens != 12 {
		t.Errorf("usage: got %+v", last.Usage)
	}
}

func TestTransformStream_SkipsMalformedFrames(t *testing.T) {
	body := sseBody(
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"a"},"finish_reason":null}]}`,
		`{broken`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"b"},"finish_reason":"stop"}]}`,
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
	if len(contents) != 2 || contents[0] != "a" || contents[1] != "b" {
		t.Errorf("contents around malformed frame: got %v", contents)
	}
}

func TestTransformStream_ToolCallDeltas(t *testing.T) {
	body := sseBody(
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"lookup","arguments":""}}]},"finish_reason":null}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":\"x\"}"}}]},"finish_reason":null}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)

	resp, err := ir.Collect(New().TransformStream(context.Background(), body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls: got %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_a" || call.Function.Name != "lookup" || call.Function.Arguments != `{"q":"x"}` {
		t.Errorf("assembled call: got %+v", call)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason: got %q", resp.FinishReason)
	}
}

func TestFormatStream_FramesAndDone(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		if !yield(ir.Chunk{ID: "c1", Model: "m", Created: 1700000000, Delta: ir.Delta{Role: ir.RoleAssistant, Content: "Hel"}}, nil) {
			return
		}
		if !yield(ir.Chunk{Delta: ir.Delta{Content: "lo"}}, nil) {
			return
		}
		yield(ir.Chunk{FinishReason: "stop", Usage: &ir.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}}, nil)
	}

	var frames []string
	for frame, err := range New().FormatStream(context.Background(), stream) {
		if err != nil {
			t.Fatalf("format error: %v", err)
		}
		frames = append(frames, string(frame))
	}

	if len(frames) != 4 {
		t.Fatalf("frame count: got %d want 4", len(frames))
	}
	if frames[len(frames)-1] != "data: [DONE]\n\n" {
		t.Errorf("terminator: got %q", frames[len(frames)-1])
	}

	var first chatStreamChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(frames[0]), "data: ")), &first); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.ID != "c1" || first.Object != "chat.completion.chunk" {
		t.Errorf("first frame envelope: got %+v", first)
	}
	if first.Choices[0].Delta.Content == nil || *first.Choices[0].Delta.Content != "Hel" {
		t.Errorf("first frame delta: got %+v", first.Choices[0].Delta)
	}

	// Identity fields persist onto chunks that did not carry them.
	var second chatStreamChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(frames[1]), "data: ")), &second); err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if second.ID != "c1" || second.Model != "m" {
		t.Errorf("identity not carried: got %+v", second)
	}

	var last chatStreamChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(frames[2]), "data: ")), &last); err != nil {
		t.Fatalf("terminal frame: %v", err)
	}
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Errorf("terminal finish reason: got %+v", last.Choices[0])
	}
	if last.Usage == nil || last.Usage.PromptTokens != 10 || last.Usage.TotalTokens != 12 {
		t.Errorf("terminal usage: got %+v", last.Usage)
	}
}

func TestFormatStream_UsageOnlyFrameHasEmptyChoices(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		yield(ir.Chunk{ID: "c", Usage: &ir.Usage{InputTokens: 5, OutputTokens: 1, TotalTokens: 6}}, nil)
	}

	var frames [][]byte
	for frame, err := range New().FormatStream(context.Background(), stream) {
		if err != nil {
			t.Fatalf("format error: %v", err)
		}
		frames = append(frames, frame)
	}
	if len(frames) != 2 {
		t.Fatalf("frame count: got %d", len(frames))
	}

	var wire chatStreamChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(string(frames[0])), "data: ")), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(wire.Choices) != 0 || wire.Usage == nil {
		t.Errorf("usage-only frame: got %+v", wire)
	}
}

func TestFormatStream_AtMostOneTerminalFrame(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		if !yield(ir.Chunk{Delta: ir.Delta{Content: "x"}}, nil) {
			return
		}
		yield(ir.Chunk{FinishReason: "stop"}, nil)
	}

	terminal := 0
	for frame, err := range New().FormatStream(context.Background(), stream) {
		if err != nil {
			t.Fatalf("format error: %v", err)
		}
		payload := strings.TrimPrefix(strings.TrimSpace(string(frame)), "data: ")
		if payload == "[DONE]" {
			continue
		}
		var wire chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(wire.Choices) > 0 && wire.Choices[0].FinishReason != nil {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal frames: got %d want 1", terminal)
	}
}
