package anthropic

import (
	"encoding/json"
	"fmt"
)

/*
	ANTHROPIC MESSAGES API - REQUEST TYPES
*/

// messagesRequest represents the request body for the Messages API.
type messagesRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	System      json.RawMessage  `json:"system,omitempty"` // String or []contentBlock
	MaxTokens   int              `json:"max_tokens"`       // Required on every request
	Temperature *float64         `json:"temperature,omitempty"`
	Tools       []wireTool       `json:"tools,omitempty"`
	ToolChoice  *wireToolChoice  `json:"tool_choice,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Thinking    *thinkingConfig  `json:"thinking,omitempty"`
}

// thinkingConfig controls extended thinking on the request.
type thinkingConfig struct {
	Type         string `json:"type"`                    // "enabled", "disabled", "adaptive"
	BudgetTokens int    `json:"budget_tokens,omitempty"` // Only for type="enabled"
}

// wireMessage is a single conversation turn on the wire.
type wireMessage struct {
	Role    string          `json:"role"`    // "user" or "assistant"
	Content json.RawMessage `json:"content"` // String or []contentBlock
}

// contentBlock is a discriminated union via the Type field:
//   - "text": Text + optional CacheControl
//   - "image": Source (base64 or url)
//   - "tool_use": ID, Name, Input
//   - "tool_result": ToolUseID, Content, IsError
//   - "thinking": Thinking, Signature
type contentBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Source       *mediaSource    `json:"source,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"` // For tool_result (string or blocks)
	IsError      bool            `json:"is_error,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"` // Opaque passthrough
}

// mediaSource represents image content (base64 inline or URL reference).
type mediaSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// wireTool describes a callable function.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// wireToolChoice controls which tool the model should use.
type wireToolChoice struct {
	Type string `json:"type"`           // "auto", "any", "tool", "none"
	Name string `json:"name,omitempty"` // Only for type="tool"
}

/*
	ANTHROPIC MESSAGES API - RESPONSE TYPES
*/

// messagesResponse represents the unary Messages API response.
type messagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Content      []contentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        wireUsage      `json:"usage"`
}

// wireUsage reports token consumption. ThinkingTokens is the gateway's
// reasoning sub-count of OutputTokens; genuine Anthropic servers omit it.
type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	ThinkingTokens           int `json:"thinkingTokens,omitempty"`
}

/*
	ANTHROPIC SSE STREAMING - WIRE TYPES

	Event lifecycle:
	  message_start → content_block_start → content_block_delta(s) →
	  content_block_stop → message_delta → message_stop
*/

// streamEvent is the top-level envelope for all Anthropic SSE events. The
// Type field discriminates which optional fields are populated.
type streamEvent struct {
	Type         string            `json:"type"`
	Message      *messagesResponse `json:"message,omitempty"`       // For "message_start"
	Index        int               `json:"index"`                   // For content_block_start/delta/stop
	ContentBlock *contentBlock     `json:"content_block,omitempty"` // For "content_block_start"
	Delta        *eventDelta       `json:"delta,omitempty"`         // For "content_block_delta" and "message_delta"
	Usage        *wireUsage        `json:"usage,omitempty"`         // For "message_delta"
	Error        *streamError      `json:"error,omitempty"`         // For "error" events
}

// eventDelta carries incremental content within a content_block_delta or
// message_delta event:
//   - "text_delta": Text
//   - "thinking_delta": Thinking
//   - "signature_delta": Signature
//   - "input_json_delta": PartialJSON (tool call arguments)
//   - (message_delta): StopReason, StopSequence
type eventDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Signature    string `json:"signature,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// streamError represents an "error" event mid-stream.
type streamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// unmarshalStreamEvent parses a JSON payload into a streamEvent. The type
// field is mandatory.
func unmarshalStreamEvent(payload string) (*streamEvent, error) {
	var event streamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("missing type field in stream event")
	}
	return &event, nil
}

/*
	STOP REASON MAPPING
*/

// mapStopReason converts an Anthropic stop_reason to the canonical
// finish_reason. Unknown values pass through unchanged.
func mapStopReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return stopReason
	}
}

// unmapStopReason converts a canonical finish_reason back to an Anthropic
// stop_reason. The empty string maps to "end_turn".
func unmapStopReason(finishReason string) string {
	switch finishReason {
	case "", "stop":
		return "end_turn"
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return finishReason
	}
}
