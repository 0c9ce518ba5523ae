package ir

import "encoding/json"

// Role identifies the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"    // Instructions; at most one, always first
	RoleUser      Role = "user"      // End-user turn
	RoleAssistant Role = "assistant" // Model turn (may carry tool calls and thinking)
	RoleTool      Role = "tool"      // Result of an earlier assistant tool call
)

// PartType discriminates the variants of a [Part].
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of a structured message content list.
type Part struct {
	Type PartType `json:"type"`

	// Text is populated when Type == PartText.
	Text string `json:"text,omitempty"`

	// CacheControl is an opaque provider passthrough attached to text parts
	// (Anthropic prompt-caching markers). The core never interprets it.
	CacheControl json.RawMessage `json:"cache_control,omitempty"`

	// Image is populated when Type == PartImage.
	Image *ImagePart `json:"image,omitempty"`
}

// ImagePart carries image content either by URL or as inline base64 data.
// Exactly one of URL and Data is set.
type ImagePart struct {
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"` // base64-encoded bytes
	MediaType string `json:"media_type,omitempty"`
}

// Thinking is a provider-emitted chain-of-thought record attached to an
// assistant message or streamed as a delta. The Signature is an opaque value
// some providers require to be echoed back on subsequent turns.
type Thinking struct {
	Content   string `json:"content,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type"` // always "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the function and carries its arguments as the raw
// JSON string the provider produced. Arguments are not parsed inside the
// core; dialect formatters decode them only at the wire boundary.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single conversation turn.
//
// Content is either a plain string (Content non-nil, Parts empty), null
// (Content nil, Parts empty, an assistant message that only carries tool
// calls), or an ordered list of parts (Parts non-empty).
type Message struct {
	Role    Role    `json:"role"`
	Content *string `json:"content,omitempty"`
	Parts   []Part  `json:"parts,omitempty"`

	// Assistant-only extensions.
	Thinking  *Thinking  `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool-only fields: the id of the assistant tool call being answered and
	// an optional echo of the tool name.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Text flattens the message content into a single string, joining text parts
// and ignoring non-text parts. A nil content yields the empty string.
func (m Message) Text() string {
	if m.Content != nil {
		return *m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolDecl declares a callable function to the model. Parameters is the raw
// JSON-Schema document supplied by the client; it passes through the core
// untouched so that schema keywords the IR does not model survive the trip.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolChoiceMode enumerates the tool-choice policies.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

// ToolChoice constrains which tool (if any) the model must call.
// FunctionName is set only when Mode == ToolChoiceNamed.
type ToolChoice struct {
	Mode         ToolChoiceMode `json:"mode"`
	FunctionName string         `json:"function_name,omitempty"`
}

// ResponseFormatType enumerates response-format constraints.
type ResponseFormatType string

const (
	ResponseFormatText       ResponseFormatType = "text"
	ResponseFormatJSONObject ResponseFormatType = "json_object"
	ResponseFormatJSONSchema ResponseFormatType = "json_schema"
)

// ResponseFormat constrains the shape of the model output. Schema is the raw
// JSON-Schema document and is only meaningful for ResponseFormatJSONSchema.
type ResponseFormat struct {
	Type   ResponseFormatType `json:"type"`
	Name   string             `json:"name,omitempty"`
	Schema json.RawMessage    `json:"schema,omitempty"`
}

// ReasoningEffort enumerates the coarse reasoning-budget hints.
type ReasoningEffort string

const (
	EffortNone   ReasoningEffort = "none"
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// ReasoningHint asks the upstream model to spend (or not spend) thinking
// tokens. Providers that use an explicit budget read MaxTokens; providers
// with a coarse dial read Effort; Enabled is the tri-state opt-in.
type ReasoningHint struct {
	Effort    ReasoningEffort `json:"effort,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
}

// Request is the canonical chat-completion request every ingress dialect
// parses into and every egress dialect builds from.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	Tools          []ToolDecl      `json:"tools,omitempty"`
	ToolChoice     *ToolChoice     `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Reasoning      *ReasoningHint  `json:"reasoning,omitempty"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream,omitempty"`

	// Metadata is opaque client passthrough; the core never reads it.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Str returns a pointer to s; a convenience for building Message.Content.
func Str(s string) *string { return &s }
