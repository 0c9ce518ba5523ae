package responses

import "encoding/json"

/*
	RESPONSES API - REQUEST TYPES
*/

// responsesRequest represents the request to the /v1/responses endpoint.
// Input is either a plain string or an array of input items.
type responsesRequest struct {
	Model           string           `json:"model"`
	Input           json.RawMessage  `json:"input"`
	Instructions    string           `json:"instructions,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxOutputTokens *int             `json:"max_output_tokens,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	Reasoning       *reasoningConfig `json:"reasoning,omitempty"`
	Text            *textConfig      `json:"text,omitempty"`
	Tools           []responseTool   `json:"tools,omitempty"`
	ToolChoice      json.RawMessage  `json:"tool_choice,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// inputItem is one element of the input array. Message items carry Role and
// Content and may omit Type; the other variants are discriminated by Type.
type inputItem struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // string or []contentItem

	// function_call
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output json.RawMessage `json:"output,omitempty"` // string or structured

	// reasoning
	Summary []summaryItem `json:"summary,omitempty"`
}

// contentItem is a multimodal content part inside a message item.
type contentItem struct {
	Type     string `json:"type"` // "input_text", "output_text", "input_image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// reasoningConfig asks a reasoning-capable model to think.
type reasoningConfig struct {
	Effort  string `json:"effort,omitempty"`  // "minimal", "low", "medium", "high"
	Summary string `json:"summary,omitempty"` // "auto", "concise", "detailed"
}

// textConfig controls output formatting.
type textConfig struct {
	Verbosity string      `json:"verbosity,omitempty"`
	Format    *textFormat `json:"format,omitempty"`
}

// textFormat is the structured-output constraint.
type textFormat struct {
	Type   string          `json:"type"` // "text", "json_object", "json_schema"
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

// responseTool is a flat tool declaration. Only type "function" maps to the
// common model; built-in tool types pass through parse and are filtered.
type responseTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

/*
	RESPONSES API - RESPONSE TYPES
*/

// responsesResponse is the unary reply and the envelope inside lifecycle
// events such as response.created and response.completed.
type responsesResponse struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"` // "response"
	CreatedAt int64           `json:"created_at"`
	Model     string          `json:"model,omitempty"`
	Status    string          `json:"status"` // "in_progress", "completed", "failed", "incomplete"
	Output    []outputItem    `json:"output"`
	Usage     *responsesUsage `json:"usage,omitempty"`
	Error     *errorDetails   `json:"error,omitempty"`
}

// outputItem is one element of the output array.
type outputItem struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"` // "message", "reasoning", "function_call"
	Status  string          `json:"status,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content []contentOutput `json:"content,omitempty"`
	Summary []summaryItem   `json:"summary,omitempty"`

	// function_call
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// contentOutput is a content part of a message output item.
type contentOutput struct {
	Type        string           `json:"type"` // "output_text"
	Text        string           `json:"text,omitempty"`
	Annotations []wireAnnotation `json:"annotations"`
}

// wireAnnotation is a URL citation attached to output text.
type wireAnnotation struct {
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	StartIndex int    `json:"start_index,omitempty"`
	EndIndex   int    `json:"end_index,omitempty"`
}

// summaryItem is one block of a reasoning item's summary.
type summaryItem struct {
	Type string `json:"type"` // "summary_text"
	Text string `json:"text,omitempty"`
}

// responsesUsage reports token consumption. input_tokens includes the
// cached portion, output_tokens includes reasoning.
type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
	OutputTokens        int `json:"output_tokens"`
	OutputTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details,omitempty"`
	TotalTokens int `json:"total_tokens"`
}

type errorDetails struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

/*
	RESPONSES API - STREAM EVENTS
*/

// streamEvent is the decoded form of one lifecycle event. Each event type
// populates a subset of the fields; SequenceNumber is present on every
// emitted event.
type streamEvent struct {
	Type           string             `json:"type"`
	SequenceNumber int                `json:"sequence_number"`
	Response       *responsesResponse `json:"response,omitempty"`
	Item           *outputItem        `json:"item,omitempty"`
	OutputIndex    *int               `json:"output_index,omitempty"`
	ItemID         string             `json:"item_id,omitempty"`
	ContentIndex   *int               `json:"content_index,omitempty"`
	Delta          string             `json:"delta,omitempty"`
	Text           string             `json:"text,omitempty"`
	Arguments      string             `json:"arguments,omitempty"`
	Part           *contentOutput     `json:"part,omitempty"`
}
