package ir

import "io"

// Annotation is a URL citation attached to response content.
type Annotation struct {
	Type       string `json:"type"` // "url_citation"
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	StartIndex int    `json:"start_index,omitempty"`
	EndIndex   int    `json:"end_index,omitempty"`
}

// Response is the canonical unary reply. Content is nullable because an
// assistant turn that only requests tool calls carries no text.
type Response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created,omitempty"`

	Content          *string      `json:"content"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	Thinking         *Thinking    `json:"thinking,omitempty"`
	ToolCalls        []ToolCall   `json:"tool_calls,omitempty"`
	Annotations      []Annotation `json:"annotations,omitempty"`

	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`

	// Bypass carries the untransformed upstream payload when ingress and
	// egress dialects coincide. Exactly one of RawResponse (unary) and
	// RawStream (streaming) is set; the transformer layer is skipped and
	// the pipeline only taps usage.
	Bypass      bool          `json:"-"`
	RawResponse []byte        `json:"-"`
	RawStream   io.ReadCloser `json:"-"`
}

// Canonical finish reasons. Provider-specific values outside this set pass
// through the core as-is.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)
