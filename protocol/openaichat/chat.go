package openaichat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/protocol"
)

// Transformer implements the Chat Completions dialect. It is stateless; one
// instance serves all requests.
type Transformer struct{}

// New returns the Chat Completions transformer.
func New() *Transformer {
	return &Transformer{}
}

// APIType identifies this transformer in the registry.
func (t *Transformer) APIType() protocol.APIType {
	return protocol.APITypeChat
}

/*
	REQUEST CONVERSION
*/

// ParseRequest decodes a /v1/chat/completions body into the IR.
func (t *Transformer) ParseRequest(raw []byte) (*ir.Request, error) {
	var wire chatRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedRequest, err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("%w: missing model", protocol.ErrMalformedRequest)
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("%w: empty messages", protocol.ErrMalformedRequest)
	}

	req := &ir.Request{
		Model:    wire.Model,
		Stream:   wire.Stream,
		Metadata: wire.Metadata,
	}
	req.Temperature = wire.Temperature
	// Prefer max_completion_tokens over the legacy max_tokens.
	if wire.MaxCompletionTokens != nil {
		req.MaxTokens = *wire.MaxCompletionTokens
	} else if wire.MaxTokens != nil {
		req.MaxTokens = *wire.MaxTokens
	}
	if wire.ReasoningEffort != "" {
		req.Reasoning = &ir.ReasoningHint{Effort: ir.ReasoningEffort(wire.ReasoningEffort)}
	}

	for _, msg := range wire.Messages {
		parsed, err := parseChatMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedRequest, err)
		}
		req.Messages = append(req.Messages, parsed)
	}

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, ir.ToolDecl{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	if len(wire.ToolChoice) > 0 {
		choice, err := parseToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedRequest, err)
		}
		req.ToolChoice = choice
	}
	if wire.ResponseFormat != nil {
		req.ResponseFormat = &ir.ResponseFormat{Type: ir.ResponseFormatType(wire.ResponseFormat.Type)}
		if js := wire.ResponseFormat.JSONSchema; js != nil {
			req.ResponseFormat.Name = js.Name
			req.ResponseFormat.Schema = js.Schema
		}
	}

	return req, nil
}

func parseChatMessage(msg chatMessage) (ir.Message, error) {
	out := ir.Message{
		Role:       ir.Role(msg.Role),
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}

	if len(msg.Content) > 0 && string(msg.Content) != "null" {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err == nil {
			out.Content = ir.Str(text)
		} else {
			var parts []contentPart
			if err := json.Unmarshal(msg.Content, &parts); err != nil {
				return ir.Message{}, fmt.Errorf("message content is neither string nor part array: %v", err)
			}
			for _, part := range parts {
				switch part.Type {
				case "text":
					out.Parts = append(out.Parts, ir.Part{
						Type:         ir.PartText,
						Text:         part.Text,
						CacheControl: part.CacheControl,
					})
				case "image_url":
					if part.ImageURL == nil {
						continue
					}
					out.Parts = append(out.Parts, ir.Part{
						Type:  ir.PartImage,
						Image: imageFromDataURL(part.ImageURL.URL),
					})
				}
			}
		}
	}

	for _, tc := range msg.ToolCalls {
		call := ir.ToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = tc.Function.Arguments
		out.ToolCalls = append(out.ToolCalls, call)
	}

	return out, nil
}

func parseToolChoice(raw json.RawMessage) (*ir.ToolChoice, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto", "none", "required":
			return &ir.ToolChoice{Mode: ir.ToolChoiceMode(mode)}, nil
		default:
			return nil, fmt.Errorf("unknown tool_choice %q", mode)
		}
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, fmt.Errorf("tool_choice is neither string nor object: %v", err)
	}
	if named.Function.Name == "" {
		return nil, fmt.Errorf("tool_choice object missing function.name")
	}
	return &ir.ToolChoice{Mode: ir.ToolChoiceNamed, FunctionName: named.Function.Name}, nil
}

// BuildRequest encodes an IR request as a /v1/chat/completions payload.
func (t *Transformer) BuildRequest(req *ir.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	wire := chatRequest{
		Model:    req.Model,
		Stream:   req.Stream,
		Metadata: req.Metadata,
	}
	wire.Temperature = req.Temperature
	if req.MaxTokens > 0 {
		tokens := req.MaxTokens
		wire.MaxCompletionTokens = &tokens
	}
	if req.Stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		wire.ReasoningEffort = string(req.Reasoning.Effort)
	}

	for _, msg := range req.Messages {
		wire.Messages = append(wire.Messages, buildChatMessage(msg))
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if req.ToolChoice != nil {
		choice, err := buildToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		wire.ToolChoice = choice
	}
	if rf := req.ResponseFormat; rf != nil {
		wire.ResponseFormat = &chatResponseFormat{Type: string(rf.Type)}
		if rf.Type == ir.ResponseFormatJSONSchema {
			name := rf.Name
			if name == "" {
				name = "response_schema"
			}
			wire.ResponseFormat.JSONSchema = &chatJSONSchema{Name: name, Schema: rf.Schema}
		}
	}

	return json.Marshal(wire)
}

func buildChatMessage(msg ir.Message) chatMessage {
	out := chatMessage{
		Role:       string(msg.Role),
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}

	switch {
	case len(msg.Parts) > 0:
		parts := make([]contentPart, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case ir.PartText:
				parts = append(parts, contentPart{
					Type:         "text",
					Text:         part.Text,
					CacheControl: part.CacheControl,
				})
			case ir.PartImage:
				if part.Image == nil {
					continue
				}
				url := part.Image.URL
				if url == "" {
					url = buildDataURL(part.Image.MediaType, part.Image.Data)
				}
				if url == "" {
					continue
				}
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &contentPartImage{URL: url}})
			}
		}
		out.Content, _ = json.Marshal(parts)
	case msg.Content != nil:
		out.Content, _ = json.Marshal(*msg.Content)
	}

	for _, tc := range msg.ToolCalls {
		call := chatToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = tc.Function.Arguments
		out.ToolCalls = append(out.ToolCalls, call)
	}

	return out
}

func buildToolChoice(choice *ir.ToolChoice) (json.RawMessage, error) {
	switch choice.Mode {
	case ir.ToolChoiceAuto, ir.ToolChoiceNone, ir.ToolChoiceRequired:
		return json.Marshal(string(choice.Mode))
	case ir.ToolChoiceNamed:
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.FunctionName},
		})
	default:
		return nil, fmt.Errorf("%w: unknown tool choice mode %q", ir.ErrInvariant, choice.Mode)
	}
}

/*
	RESPONSE CONVERSION
*/

// TransformResponse maps a unary chat completion into the IR.
func (t *Transformer) TransformResponse(raw []byte) (*ir.Response, error) {
	var wire chatResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamProtocol, err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", protocol.ErrUpstreamProtocol)
	}

	choice := wire.Choices[0]
	resp := &ir.Response{
		ID:               wire.ID,
		Model:            wire.Model,
		Created:          wire.Created,
		Content:          choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
		FinishReason:     choice.FinishReason,
	}

	for _, tc := range choice.Message.ToolCalls {
		call := ir.ToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = tc.Function.Arguments
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	for _, ann := range choice.Message.Annotations {
		if ann.Type != "url_citation" {
			continue
		}
		resp.Annotations = append(resp.Annotations, ir.Annotation{
			Type:       "url_citation",
			URL:        ann.URLCitation.URL,
			Title:      ann.URLCitation.Title,
			StartIndex: ann.URLCitation.StartIndex,
			EndIndex:   ann.URLCitation.EndIndex,
		})
	}
	if wire.Usage != nil {
		resp.Usage = usageToIR(wire.Usage)
	}

	return resp, nil
}

// FormatResponse encodes an IR response as a unary chat completion.
func (t *Transformer) FormatResponse(resp *ir.Response) ([]byte, error) {
	wire := chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
	}
	if wire.ID == "" {
		wire.ID = "chatcmpl-" + uuid.NewString()
	}
	if wire.Created == 0 {
		wire.Created = time.Now().Unix()
	}

	msg := chatResponseMessage{
		Role:             "assistant",
		Content:          resp.Content,
		ReasoningContent: resp.ReasoningContent,
	}
	for _, tc := range resp.ToolCalls {
		call := chatToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = tc.Function.Arguments
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	for _, ann := range resp.Annotations {
		wireAnn := chatAnnotation{Type: "url_citation"}
		wireAnn.URLCitation.URL = ann.URL
		wireAnn.URLCitation.Title = ann.Title
		wireAnn.URLCitation.StartIndex = ann.StartIndex
		wireAnn.URLCitation.EndIndex = ann.EndIndex
		msg.Annotations = append(msg.Annotations, wireAnn)
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	wire.Choices = []chatChoice{{Index: 0, Message: msg, FinishReason: finish}}

	if !resp.Usage.IsZero() {
		wire.Usage = usageFromIR(resp.Usage)
	}

	return json.Marshal(wire)
}

// ExtractUsage pulls usage counters out of a single SSE data payload.
func (t *Transformer) ExtractUsage(data []byte) *ir.Usage {
	var chunk chatStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil || chunk.Usage == nil {
		return nil
	}
	usage := usageToIR(chunk.Usage)
	return &usage
}

/*
	USAGE ARITHMETIC

	The wire reports prompt_tokens inclusive of cached tokens and
	completion_tokens inclusive of reasoning tokens. The IR keeps the four
	quantities disjoint: input excludes cached, output excludes reasoning.
*/

func usageToIR(wire *chatUsage) ir.Usage {
	usage := ir.Usage{
		CacheCreationTokens: wire.CacheCreationInputTokens,
	}
	if wire.PromptTokensDetails != nil {
		usage.CachedTokens = wire.PromptTokensDetails.CachedTokens
	}
	if wire.CompletionTokensDetails != nil {
		usage.ReasoningTokens = wire.CompletionTokensDetails.ReasoningTokens
	}
	usage.InputTokens = max(0, wire.PromptTokens-usage.CachedTokens)
	usage.OutputTokens = wire.CompletionTokens - usage.ReasoningTokens
	usage.TotalTokens = usage.InputTokens + usage.CachedTokens + usage.OutputTokens + usage.ReasoningTokens
	return usage
}

func usageFromIR(usage ir.Usage) *chatUsage {
	wire := &chatUsage{
		PromptTokens:             usage.InputTokens + usage.CachedTokens,
		CompletionTokens:         usage.OutputTokens + usage.ReasoningTokens,
		CacheCreationInputTokens: usage.CacheCreationTokens,
	}
	wire.TotalTokens = usage.TotalTokens
	if wire.TotalTokens == 0 {
		wire.TotalTokens = wire.PromptTokens + wire.CompletionTokens
	}
	if usage.ReasoningTokens > 0 {
		wire.CompletionTokensDetails = &struct {
			ReasoningTokens int `json:"reasoning_tokens,omitempty"`
		}{ReasoningTokens: usage.ReasoningTokens}
	}
	if usage.CachedTokens > 0 {
		wire.PromptTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens,omitempty"`
		}{CachedTokens: usage.CachedTokens}
	}
	return wire
}

// buildDataURL formats base64 data into a data URL for image inputs.
func buildDataURL(mimeType, data string) string {
	if mimeType == "" || data == "" {
		return ""
	}
	return "data:" + mimeType + ";base64," + data
}

// imageFromDataURL splits a data URL back into media type and base64 data;
// plain URLs pass through untouched.
func imageFromDataURL(url string) *ir.ImagePart {
	const prefix = "data:"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		rest := url[len(prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == ',' {
				meta := rest[:i]
				data := rest[i+1:]
				mediaType := meta
				if j := len(meta) - len(";base64"); j >= 0 && meta[j:] == ";base64" {
					mediaType = meta[:j]
				}
				return &ir.ImagePart{Data: data, MediaType: mediaType}
			}
		}
	}
	return &ir.ImagePart{URL: url}
}
