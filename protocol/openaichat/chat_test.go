package openaichat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/protocol"
)

func TestParseRequest_Basic(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-test",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		],
		"max_completion_tokens": 128,
		"temperature": 0.2,
		"stream": true
	}`)

	tr := New()
	req, err := tr.ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Model != "gpt-test" {
		t.Errorf("model: got %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages: got %d", len(req.Messages))
	}
	if req.Messages[0].Role != ir.RoleSystem || req.Messages[0].Text() != "be brief" {
		t.Errorf("system message: got %+v", req.Messages[0])
	}
	if req.MaxTokens != 128 {
		t.Errorf("max tokens: got %d", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature: got %v", req.Temperature)
	}
	if !req.Stream {
		t.Error("stream flag lost")
	}
}

func TestParseRequest_Malformed(t *testing.T) {
	tr := New()
	for name, raw := range map[string]string{
		"not json":       `{`,
		"missing model":  `{"messages":[{"role":"user","content":"x"}]}`,
		"empty messages": `{"model":"m","messages":[]}`,
		"bad content":    `{"model":"m","messages":[{"role":"user","content":42}]}`,
	} {
		if _, err := tr.ParseRequest([]byte(raw)); !errors.Is(err, protocol.ErrMalformedRequest) {
			t.Errorf("%s: expected ErrMalformedRequest, got %v", name, err)
		}
	}
}

func TestParseRequest_ToolsAndChoice(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-test",
		"messages": [{"role": "user", "content": "weather?"}],
		"tools": [{"type": "function", "function": {
			"name": "get_weather",
			"description": "Look up weather",
			"parameters": {"type": "object", "properties": {"city": {"type": "string"}}}
		}}],
		"tool_choice": {"type": "function", "function": {"name": "get_weather"}}
	}`)

	req, err := New().ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Fatalf("tools: got %+v", req.Tools)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != ir.ToolChoiceNamed || req.ToolChoice.FunctionName != "get_weather" {
		t.Errorf("tool choice: got %+v", req.ToolChoice)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	orig := &ir.Request{
		Model: "gpt-test",
		Messages: []ir.Message{
			{Role: ir.RoleSystem, Content: ir.Str("sys")},
			{Role: ir.RoleUser, Content: ir.Str("hi")},
			{Role: ir.RoleAssistant, ToolCalls: []ir.ToolCall{{
				ID: "call_1", Type: "function",
				Function: ir.ToolCallFunction{Name: "f", Arguments: `{"a":1}`},
			}}},
			{Role: ir.RoleTool, ToolCallID: "call_1", Content: ir.Str("42")},
		},
		Tools:      []ir.ToolDecl{{Name: "f", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: &ir.ToolChoice{Mode: ir.ToolChoiceAuto},
		MaxTokens:  64,
	}

	tr := New()
	payload, err := tr.BuildRequest(orig)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	back, err := tr.ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest(BuildRequest): %v", err)
	}

	if back.Model != orig.Model || back.MaxTokens != orig.MaxTokens {
		t.Errorf("scalar fields: got %+v", back)
	}
	if len(back.Messages) != len(orig.Messages) {
		t.Fatalf("message count: got %d want %d", len(back.Messages), len(orig.Messages))
	}
	if back.Messages[3].ToolCallID != "call_1" {
		t.Errorf("tool message: got %+v", back.Messages[3])
	}
	if len(back.Messages[2].ToolCalls) != 1 || back.Messages[2].ToolCalls[0].Function.Arguments != `{"a":1}` {
		t.Errorf("assistant tool calls: got %+v", back.Messages[2].ToolCalls)
	}
	if back.ToolChoice == nil || back.ToolChoice.Mode != ir.ToolChoiceAuto {
		t.Errorf("tool choice: got %+v", back.ToolChoice)
	}
}

func TestTransformResponse_UsageArithmetic(t *testing.T) {
	raw := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-test",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
		"usage": {
			"prompt_tokens": 100,
			"completion_tokens": 50,
			"total_tokens": 150,
			"prompt_tokens_details": {"cached_tokens": 30},
			"completion_tokens_details": {"reasoning_tokens": 20}
		}
	}`)

	resp, err := New().TransformResponse(raw)
	if err != nil {
		t.Fatalf("TransformResponse: %v", err)
	}
	// input excludes cached, output excludes reasoning.
	if resp.Usage.InputTokens != 70 {
		t.Errorf("input tokens: got %d want 70", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 30 {
		t.Errorf("output tokens: got %d want 30", resp.Usage.OutputTokens)
	}
	if resp.Usage.CachedTokens != 30 || resp.Usage.ReasoningTokens != 20 {
		t.Errorf("details: got %+v", resp.Usage)
	}
	if resp.Usage.TotalTokens != 150 {
		t.Errorf("total tokens: got %d want 150", resp.Usage.TotalTokens)
	}
}

func TestTransformResponse_NoChoices(t *testing.T) {
	_, err := New().TransformResponse([]byte(`{"id":"x","choices":[]}`))
	if !errors.Is(err, protocol.ErrUpstreamProtocol) {
		t.Fatalf("expected ErrUpstreamProtocol, got %v", err)
	}
}

func TestFormatResponse(t *testing.T) {
	resp := &ir.Response{
		ID:           "chatcmpl-42",
		Model:        "gpt-test",
		Created:      1700000000,
		Content:      ir.Str("answer"),
		FinishReason: "stop",
		Usage: ir.Usage{
			InputTokens:     70,
			OutputTokens:    30,
			CachedTokens:    30,
			ReasoningTokens: 20,
			TotalTokens:     150,
		},
	}

	payload, err := New().FormatResponse(resp)
	if err != nil {
		t.Fatalf("FormatResponse: %v", err)
	}

	var wire chatResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if wire.Object != "chat.completion" || wire.ID != "chatcmpl-42" {
		t.Errorf("envelope: got %+v", wire)
	}
	if len(wire.Choices) != 1 || wire.Choices[0].Message.Content == nil || *wire.Choices[0].Message.Content != "answer" {
		t.Fatalf("choices: got %+v", wire.Choices)
	}
	if wire.Usage == nil {
		t.Fatal("usage missing")
	}
	// Wire totals re-include the detail counts.
	if wire.Usage.PromptTokens != 100 || wire.Usage.CompletionTokens != 50 {
		t.Errorf("wire usage: got %+v", wire.Usage)
	}
	if wire.Usage.PromptTokensDetails == nil || wire.Usage.PromptTokensDetails.CachedTokens != 30 {
		t.Errorf("cached detail: got %+v", wire.Usage.PromptTokensDetails)
	}
	if wire.Usage.CompletionTokensDetails == nil || wire.Usage.CompletionTokensDetails.ReasoningTokens != 20 {
		t.Errorf("reasoning detail: got %+v", wire.Usage.CompletionTokensDetails)
	}
}

func TestFormatResponse_GeneratesID(t *testing.T) {
	payload, err := New().FormatResponse(&ir.Response{Content: ir.Str("x")})
	if err != nil {
		t.Fatalf("FormatResponse: %v", err)
	}
	var wire chatResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.ID == "" || wire.Created == 0 {
		t.Errorf("expected generated id and timestamp, got %+v", wire)
	}
	if wire.Choices[0].FinishReason != "stop" {
		t.Errorf("default finish reason: got %q", wire.Choices[0].FinishReason)
	}
}

func TestExtractUsage(t *testing.T) {
	tr := New()
	if usage := tr.ExtractUsage([]byte(`{"choices":[{"delta":{"content":"x"}}]}`)); usage != nil {
		t.Errorf("expected nil for usage-less frame, got %+v", usage)
	}
	usage := tr.ExtractUsage([]byte(`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	if usage == nil || usage.InputTokens != 10 || usage.OutputTokens != 2 {
		t.Errorf("usage frame: got %+v", usage)
	}
}

func TestImageDataURLRoundTrip(t *testing.T) {
	image := imageFromDataURL("data:image/png;base64,AAAA")
	if image.MediaType != "image/png" || image.Data != "AAAA" || image.URL != "" {
		t.Errorf("data URL split: got %+v", image)
	}
	if url := buildDataURL(image.MediaType, image.Data); url != "data:image/png;base64,AAAA" {
		t.Errorf("rebuilt URL: got %q", url)
	}
	plain := imageFromDataURL("https://example.com/cat.png")
	if plain.URL != "https://example.com/cat.png" || plain.Data != "" {
		t.Errorf("plain URL: got %+v", plain)
	}
}
