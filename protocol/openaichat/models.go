package openaichat

import "encoding/json"

/*
	CHAT COMPLETIONS API - REQUEST
*/

// chatRequest represents the /v1/chat/completions request format.
type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`            // Legacy, still accepted
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"` // Preferred
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *streamOptions  `json:"stream_options,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	Tools               []chatTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"` // "auto", "none", "required", or object

	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role       string          `json:"role"`              // system, user, assistant, tool
	Content    json.RawMessage `json:"content,omitempty"` // string, null, or []contentPart
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"` // For role=tool
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`   // For role=assistant
}

// contentPart represents a chat completions multimodal content part.
type contentPart struct {
	Type         string            `json:"type"`
	Text         string            `json:"text,omitempty"`
	ImageURL     *contentPartImage `json:"image_url,omitempty"`
	CacheControl json.RawMessage   `json:"cache_control,omitempty"` // Opaque passthrough
}

// contentPartImage describes image content for chat completions.
type contentPartImage struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type     string       `json:"type"` // "function"
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "function"
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON string
	} `json:"function"`
}

type chatResponseFormat struct {
	Type       string          `json:"type"` // "text", "json_object", "json_schema"
	JSONSchema *chatJSONSchema `json:"json_schema,omitempty"`
}

type chatJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// streamOptions configures streaming behavior in the request.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

/*
	CHAT COMPLETIONS API - RESPONSE
*/

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"` // "chat.completion"
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"` // "stop", "length", "tool_calls", "content_filter"
}

type chatResponseMessage struct {
	Role             string           `json:"role"` // "assistant"
	Content          *string          `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall   `json:"tool_calls,omitempty"`
	Annotations      []chatAnnotation `json:"annotations,omitempty"`
}

type chatAnnotation struct {
	Type        string `json:"type"` // "url_citation"
	URLCitation struct {
		URL        string `json:"url"`
		Title      string `json:"title,omitempty"`
		StartIndex int    `json:"start_index,omitempty"`
		EndIndex   int    `json:"end_index,omitempty"`
	} `json:"url_citation"`
}

type chatUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	} `json:"completion_tokens_details,omitempty"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens,omitempty"`
	} `json:"prompt_tokens_details,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

/*
	CHAT COMPLETIONS STREAMING API - RESPONSE TYPES

	These types model the SSE chunks emitted by /v1/chat/completions with
	stream=true. Each chunk carries incremental deltas for content, tool
	calls, and optionally usage metadata.
*/

// chatStreamChunk represents a single SSE chunk from the streaming chat
// completions endpoint.
type chatStreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"` // "chat.completion.chunk"
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage,omitempty"` // Present only in final chunk when stream_options.include_usage is true
}

// streamChoice is a single choice in a streaming chunk. Unlike the unary
// chatChoice, it carries a Delta instead of a Message.
type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"` // Nullable; nil until the final chunk
}

// streamDelta carries the incremental content of a streaming chunk. All
// fields are optional.
type streamDelta struct {
	Role             string               `json:"role,omitempty"`
	Content          *string              `json:"content,omitempty"` // Nullable to distinguish empty string from absent
	ReasoningContent *string              `json:"reasoning_content,omitempty"`
	ToolCalls        []streamToolCallPart `json:"tool_calls,omitempty"`
}

// streamToolCallPart is an incremental tool call delta. The first chunk for
// a tool call carries the ID and function name; later chunks carry argument
// fragments.
type streamToolCallPart struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}
