package gemini

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/leofalp/relay/ir"
)

func geminiSSE(payloads ...string) io.ReadCloser {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func TestTransformStream_TextAndFinish(t *testing.T) {
	body := geminiSSE(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}],"responseId":"r-1","modelVersion":"gemini-2.0-flash"}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]}`,
		`{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":2,"totalTokenCount":12}}`,
	)

	resp, err := ir.Collect(New().TransformStream(context.Background(), body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Content == nil || *resp.Content != "Hello" {
		t.Errorf("content: got %v", resp.Content)
	}
	if resp.ID != "r-1" || resp.Model != "gemini-2.0-flash" {
		t.Errorf("identity: got %q / %q", resp.ID, resp.Model)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason: got %q", resp.FinishReason)
	}
	u := resp.Usage
	if u.InputTokens != 10 || u.OutputTokens != 2 || u.TotalTokens != 12 {
		t.Errorf("usage: got %+v", u)
	}
}

func TestTransformStream_ThoughtsAndFunctionCalls(t *testing.T) {
	body := geminiSSE(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"thinking it over","thought":true}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}},{"functionCall":{"name":"get_time","args":{"tz":"CET"}}}]}}]}`,
		`{"candidates":[{"finishReason":"STOP"}]}`,
	)

	resp, err := ir.Collect(New().TransformStream(context.Background(), body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.ReasoningContent != "thinking it over" {
		t.Errorf("reasoning: got %q", resp.ReasoningContent)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls: got %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].ID != "get_weather" || resp.ToolCalls[1].ID != "get_time" {
		t.Errorf("call order lost: got %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[1].Function.Arguments != `{"tz":"CET"}` {
		t.Errorf("second call args: got %q", resp.ToolCalls[1].Function.Arguments)
	}
}

func TestTransformStream_SkipsMalformedFrames(t *testing.T) {
	body := geminiSSE(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]}}]}`,
		`{not json`,
		`{"candidates":[{"finishReason":"STOP"}]}`,
	)

	resp, err := ir.Collect(New().TransformStream(context.Background(), body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Content == nil || *resp.Content != "ok" {
		t.Errorf("content: got %v", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason: got %q", resp.FinishReason)
	}
}

func collectGeminiFrames(t *testing.T, stream ir.Stream) []generateContentResponse {
	t.Helper()
	var frames []generateContentResponse
	for frame, err := range New().FormatStream(context.Background(), stream) {
		if err != nil {
			t.Fatalf("FormatStream: %v", err)
		}
		payload := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(frame)), "data:"))
		var doc generateContentResponse
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			t.Fatalf("frame %q: %v", frame, err)
		}
		frames = append(frames, doc)
	}
	return frames
}

func TestFormatStream_TextFramesAndTerminal(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		chunks := []ir.Chunk{
			{ID: "r-2", Model: "gemini-2.0-flash", Delta: ir.Delta{Role: ir.RoleAssistant, Content: "Hel"}},
			{Delta: ir.Delta{Content: "lo"}},
			{FinishReason: "stop", Usage: &ir.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}},
		}
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}

	frames := collectGeminiFrames(t, stream)
	if len(frames) != 3 {
		t.Fatalf("frames: got %d", len(frames))
	}
	if frames[0].Candidates[0].Content.Parts[0].Text != "Hel" {
		t.Errorf("first frame: got %+v", frames[0])
	}
	if frames[0].ResponseID != "r-2" {
		t.Errorf("response id: got %q", frames[0].ResponseID)
	}

	final := frames[2]
	if final.Candidates[0].FinishReason != "STOP" {
		t.Errorf("finish reason: got %q", final.Candidates[0].FinishReason)
	}
	meta := final.UsageMetadata
	if meta == nil || meta.PromptTokenCount != 10 || meta.CandidatesTokenCount != 2 || meta.TotalTokenCount != 12 {
		t.Errorf("usage metadata: got %+v", meta)
	}
}

func TestFormatStream_AccumulatesToolArgsOntoTerminalFrame(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		chunks := []ir.Chunk{
			{Delta: ir.Delta{Role: ir.RoleAssistant, ToolCalls: []ir.ToolCallDelta{{Index: 0, ID: "call_1", Name: "get_weather"}}}},
			{Delta: ir.Delta{ToolCalls: []ir.ToolCallDelta{{Index: 0, Arguments: `{"city":`}}}},
			{Delta: ir.Delta{ToolCalls: []ir.ToolCallDelta{{Index: 0, Arguments: `"Paris"}`}}}},
			{FinishReason: "tool_calls"},
		}
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}

	frames := collectGeminiFrames(t, stream)
	// Argument fragments have no wire representation until complete, so
	// everything folds into the single terminal frame.
	if len(frames) != 1 {
		t.Fatalf("frames: got %d", len(frames))
	}
	final := frames[0].Candidates[0]
	if final.FinishReason != "TOOL_CALLS" {
		t.Errorf("finish reason: got %q", final.FinishReason)
	}
	if final.Content == nil || len(final.Content.Parts) != 1 {
		t.Fatalf("terminal parts: got %+v", final.Content)
	}
	fc := final.Content.Parts[0].FunctionCall
	if fc == nil || fc.Name != "get_weather" {
		t.Fatalf("functionCall: got %+v", final.Content.Parts[0])
	}
	var args map[string]string
	if err := json.Unmarshal(fc.Args, &args); err != nil || args["city"] != "Paris" {
		t.Errorf("args: got %s (err %v)", fc.Args, err)
	}
}

func TestFormatStream_ThoughtDeltas(t *testing.T) {
	stream := func(yield func(ir.Chunk, error) bool) {
		chunks := []ir.Chunk{
			{Delta: ir.Delta{ReasoningContent: "mulling"}},
			{Delta: ir.Delta{Content: "done"}},
			{FinishReason: "stop"},
		}
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}

	frames := collectGeminiFrames(t, stream)
	if len(frames) != 3 {
		t.Fatalf("frames: got %d", len(frames))
	}
	first := frames[0].Candidates[0].Content.Parts[0]
	if !first.Thought || first.Text != "mulling" {
		t.Errorf("thought frame: got %+v", first)
	}
	if frames[1].Candidates[0].Content.Parts[0].Thought {
		t.Errorf("content frame flagged as thought: %+v", frames[1])
	}
}
