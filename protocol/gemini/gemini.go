package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/protocol"
)

// Transformer implements the Gemini GenerateContent dialect.
type Transformer struct{}

// New returns the Gemini transformer.
func New() *Transformer {
	return &Transformer{}
}

// APIType identifies this transformer in the registry.
func (t *Transformer) APIType() protocol.APIType {
	return protocol.APITypeGemini
}

// Endpoint synthesizes the request path: Gemini embeds the model name and
// streaming mode in the URL rather than the body.
func (t *Transformer) Endpoint(req *ir.Request) string {
	model := req.Model
	if !strings.HasPrefix(model, "models/") && !strings.HasPrefix(model, "tunedModels/") {
		model = "models/" + model
	}
	if req.Stream {
		return "/v1beta/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/v1beta/" + model + ":generateContent"
}

/*
	REQUEST CONVERSION
*/

// ParseRequest decodes a generateContent body into the IR. The model name
// and streaming mode live in the URL, not the body, so the caller fills
// Request.Model and Request.Stream from the route.
func (t *Transformer) ParseRequest(raw []byte) (*ir.Request, error) {
	var wire generateContentRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedRequest, err)
	}
	if len(wire.Contents) == 0 {
		return nil, fmt.Errorf("%w: empty contents", protocol.ErrMalformedRequest)
	}

	req := &ir.Request{}

	if wire.SystemInstruction != nil {
		var texts []string
		for _, p := range wire.SystemInstruction.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		req.Messages = append(req.Messages, ir.Message{
			Role:    ir.RoleSystem,
			Content: ir.Str(strings.Join(texts, "\n")),
		})
	}

	for _, c := range wire.Contents {
		req.Messages = append(req.Messages, parseContent(c)...)
	}

	for _, tl := range wire.Tools {
		for _, decl := range tl.FunctionDeclarations {
			req.Tools = append(req.Tools, ir.ToolDecl{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			})
		}
	}
	if wire.ToolConfig != nil && wire.ToolConfig.FunctionCallingConfig != nil {
		cfg := wire.ToolConfig.FunctionCallingConfig
		switch cfg.Mode {
		case "AUTO":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceAuto}
		case "NONE":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceNone}
		case "ANY":
			if len(cfg.AllowedFunctionNames) == 1 {
				req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceNamed, FunctionName: cfg.AllowedFunctionNames[0]}
			} else {
				req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceRequired}
			}
		}
	}

	if gc := wire.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		if gc.MaxOutputTokens != nil {
			req.MaxTokens = *gc.MaxOutputTokens
		}
		if gc.ThinkingConfig != nil {
			hint := &ir.ReasoningHint{Enabled: utils.Ptr(true)}
			if gc.ThinkingConfig.ThinkingBudget != nil {
				hint.MaxTokens = *gc.ThinkingConfig.ThinkingBudget
				if hint.MaxTokens == 0 {
					hint.Enabled = utils.Ptr(false)
				}
			}
			req.Reasoning = hint
		}
		if gc.ResponseMimeType == "application/json" {
			if len(gc.ResponseJSONSchema) > 0 {
				req.ResponseFormat = &ir.ResponseFormat{Type: ir.ResponseFormatJSONSchema, Schema: gc.ResponseJSONSchema}
			} else {
				req.ResponseFormat = &ir.ResponseFormat{Type: ir.ResponseFormatJSONObject}
			}
		}
	}

	return req, nil
}

// parseContent splits one wire content into IR messages. functionResponse
// parts become tool-role messages; everything else folds into one message.
func parseContent(c content) []ir.Message {
	role := ir.RoleUser
	if c.Role == "model" {
		role = ir.RoleAssistant
	}

	var out []ir.Message
	main := ir.Message{Role: role}
	hasMain := false
	var signature string

	for _, p := range c.Parts {
		switch {
		case p.FunctionResponse != nil:
			out = append(out, ir.Message{
				Role:       ir.RoleTool,
				Name:       p.FunctionResponse.Name,
				ToolCallID: p.FunctionResponse.Name,
				Content:    ir.Str(functionResponseText(p.FunctionResponse.Response)),
			})

		case p.FunctionCall != nil:
			call := ir.ToolCall{ID: p.FunctionCall.Name, Type: "function"}
			call.Function.Name = p.FunctionCall.Name
			call.Function.Arguments = string(p.FunctionCall.Args)
			main.ToolCalls = append(main.ToolCalls, call)
			if p.ThoughtSignature != "" {
				signature = p.ThoughtSignature
			}
			hasMain = true

		case p.Thought:
			if main.Thinking == nil {
				main.Thinking = &ir.Thinking{}
			}
			main.Thinking.Content += p.Text
			if p.ThoughtSignature != "" {
				main.Thinking.Signature = p.ThoughtSignature
			}
			hasMain = true

		case p.InlineData != nil:
			main.Parts = append(main.Parts, ir.Part{Type: ir.PartImage, Image: &ir.ImagePart{
				Data:      p.InlineData.Data,
				MediaType: p.InlineData.MimeType,
			}})
			hasMain = true

		case p.FileData != nil:
			main.Parts = append(main.Parts, ir.Part{Type: ir.PartImage, Image: &ir.ImagePart{
				URL:       p.FileData.FileURI,
				MediaType: p.FileData.MimeType,
			}})
			hasMain = true

		case p.Text != "":
			main.Parts = append(main.Parts, ir.Part{Type: ir.PartText, Text: p.Text})
			hasMain = true
		}
	}

	if signature != "" {
		if main.Thinking == nil {
			main.Thinking = &ir.Thinking{}
		}
		if main.Thinking.Signature == "" {
			main.Thinking.Signature = signature
		}
	}
	if hasMain {
		out = append(out, main)
	}
	return out
}

// functionResponseText unwraps the conventional {"content": ...} envelope
// around a tool result, falling back to the raw JSON text.
func functionResponseText(raw json.RawMessage) string {
	var envelope struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Content) > 0 {
		var text string
		if err := json.Unmarshal(envelope.Content, &text); err == nil {
			return text
		}
		return string(envelope.Content)
	}
	return string(raw)
}

// BuildRequest encodes an IR request as a generateContent payload. The
// system message maps to a user-role content because Gemini has no
// first-class system role in the contents array.
func (t *Transformer) BuildRequest(req *ir.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var wire generateContentRequest

	for _, msg := range req.Messages {
		switch msg.Role {
		case ir.RoleSystem, ir.RoleUser:
			wire.Contents = append(wire.Contents, content{Role: "user", Parts: buildParts(msg)})
		case ir.RoleAssistant:
			wire.Contents = append(wire.Contents, content{Role: "model", Parts: buildAssistantParts(msg)})
		case ir.RoleTool:
			name := msg.Name
			if name == "" {
				name = msg.ToolCallID
			}
			response, err := json.Marshal(map[string]string{"content": msg.Text()})
			if err != nil {
				return nil, fmt.Errorf("%w: marshal tool result: %v", ir.ErrInvariant, err)
			}
			wire.Contents = append(wire.Contents, content{Role: "user", Parts: []part{{
				FunctionResponse: &functionResponse{Name: name, Response: response},
			}}})
		}
	}

	if len(req.Tools) > 0 {
		var decls []functionDeclaration
		for _, tl := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        tl.Name,
				Description: tl.Description,
				Parameters:  tl.Parameters,
			})
		}
		wire.Tools = []tool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		cfg := &functionCallingConfig{}
		switch req.ToolChoice.Mode {
		case ir.ToolChoiceAuto:
			cfg.Mode = "AUTO"
		case ir.ToolChoiceNone:
			cfg.Mode = "NONE"
		case ir.ToolChoiceRequired:
			cfg.Mode = "ANY"
		case ir.ToolChoiceNamed:
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{req.ToolChoice.FunctionName}
		default:
			return nil, fmt.Errorf("%w: unknown tool choice mode %q", ir.ErrInvariant, req.ToolChoice.Mode)
		}
		wire.ToolConfig = &toolConfig{FunctionCallingConfig: cfg}
	}

	gc := &generationConfig{Temperature: req.Temperature}
	hasConfig := req.Temperature != nil
	if req.MaxTokens > 0 {
		tokens := req.MaxTokens
		gc.MaxOutputTokens = &tokens
		hasConfig = true
	}
	if hint := req.Reasoning; hint != nil {
		tc := &thinkingConfig{IncludeThoughts: true}
		if hint.Enabled != nil && !*hint.Enabled || hint.Effort == ir.EffortNone {
			budget := 0
			tc = &thinkingConfig{ThinkingBudget: &budget}
		} else if hint.MaxTokens > 0 {
			budget := hint.MaxTokens
			tc.ThinkingBudget = &budget
		}
		gc.ThinkingConfig = tc
		hasConfig = true
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != ir.ResponseFormatText {
		gc.ResponseMimeType = "application/json"
		if rf.Type == ir.ResponseFormatJSONSchema {
			gc.ResponseJSONSchema = rf.Schema
		}
		hasConfig = true
	}
	if hasConfig {
		wire.GenerationConfig = gc
	}

	return json.Marshal(wire)
}

// buildParts renders user/system message content as wire parts.
func buildParts(msg ir.Message) []part {
	var parts []part
	if msg.Content != nil {
		parts = append(parts, part{Text: *msg.Content})
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case ir.PartText:
			parts = append(parts, part{Text: p.Text})
		case ir.PartImage:
			if p.Image == nil {
				continue
			}
			if p.Image.URL != "" {
				parts = append(parts, part{FileData: &fileData{MimeType: p.Image.MediaType, FileURI: p.Image.URL}})
			} else {
				parts = append(parts, part{InlineData: &inlineData{MimeType: p.Image.MediaType, Data: p.Image.Data}})
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, part{Text: ""})
	}
	return parts
}

// buildAssistantParts renders an assistant turn: a leading thought part,
// then visible content, then functionCall parts. When tool calls are
// present the thought signature rides on the first functionCall part.
func buildAssistantParts(msg ir.Message) []part {
	var parts []part

	if msg.Thinking != nil && msg.Thinking.Content != "" {
		thought := part{Text: msg.Thinking.Content, Thought: true}
		if len(msg.ToolCalls) == 0 {
			thought.ThoughtSignature = msg.Thinking.Signature
		}
		parts = append(parts, thought)
	}

	parts = append(parts, buildParts(ir.Message{Content: msg.Content, Parts: msg.Parts})...)
	// buildParts pads empty content with one empty text part; drop it when
	// the turn carries other material.
	if len(parts) > 1 || len(msg.ToolCalls) > 0 {
		trimmed := parts[:0]
		for _, p := range parts {
			if p.Text == "" && !p.Thought && p.InlineData == nil && p.FileData == nil {
				continue
			}
			trimmed = append(trimmed, p)
		}
		parts = trimmed
	}

	for i, call := range msg.ToolCalls {
		fc := part{FunctionCall: &functionCall{
			Name: call.Function.Name,
			Args: toolArgs(call.Function.Arguments),
		}}
		if i == 0 && msg.Thinking != nil {
			fc.ThoughtSignature = msg.Thinking.Signature
		}
		parts = append(parts, fc)
	}

	return parts
}

// toolArgs renders a tool-call arguments string as a JSON object,
// wrapping malformed input rather than dropping it.
func toolArgs(arguments string) json.RawMessage {
	if strings.TrimSpace(arguments) == "" {
		return json.RawMessage(`{}`)
	}
	if raw, err := utils.ParseRaw(arguments); err == nil {
		return raw
	}
	wrapped, _ := json.Marshal(map[string]string{"raw_arguments": arguments})
	return wrapped
}

/*
	RESPONSE CONVERSION
*/

// TransformResponse maps a unary generateContent reply into the IR.
func (t *Transformer) TransformResponse(raw []byte) (*ir.Response, error) {
	var wire generateContentResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamProtocol, err)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("%w: response has no candidates", protocol.ErrUpstreamProtocol)
	}

	resp := &ir.Response{
		ID:    wire.ResponseID,
		Model: wire.ModelVersion,
	}

	cand := wire.Candidates[0]
	var text, reasoning, signature string
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				call := ir.ToolCall{ID: p.FunctionCall.Name, Type: "function"}
				call.Function.Name = p.FunctionCall.Name
				call.Function.Arguments = string(p.FunctionCall.Args)
				resp.ToolCalls = append(resp.ToolCalls, call)
			case p.Thought:
				reasoning += p.Text
			default:
				text += p.Text
			}
			if p.ThoughtSignature != "" {
				signature = p.ThoughtSignature
			}
		}
	}

	if text != "" {
		resp.Content = ir.Str(text)
	}
	resp.ReasoningContent = reasoning
	if signature != "" {
		resp.Thinking = &ir.Thinking{Content: reasoning, Signature: signature}
	}
	resp.FinishReason = strings.ToLower(cand.FinishReason)
	if wire.UsageMetadata != nil {
		resp.Usage = usageToIR(wire.UsageMetadata)
	}

	return resp, nil
}

// FormatResponse encodes an IR response as a unary generateContent reply.
func (t *Transformer) FormatResponse(resp *ir.Response) ([]byte, error) {
	cand := candidate{
		Content:      &content{Role: "model"},
		FinishReason: strings.ToUpper(resp.FinishReason),
	}
	if cand.FinishReason == "" {
		cand.FinishReason = "STOP"
	}

	if resp.ReasoningContent != "" {
		thought := part{Text: resp.ReasoningContent, Thought: true}
		if resp.Thinking != nil {
			thought.ThoughtSignature = resp.Thinking.Signature
		}
		cand.Content.Parts = append(cand.Content.Parts, thought)
	}
	if resp.Content != nil && *resp.Content != "" {
		cand.Content.Parts = append(cand.Content.Parts, part{Text: *resp.Content})
	}
	for _, call := range resp.ToolCalls {
		cand.Content.Parts = append(cand.Content.Parts, part{FunctionCall: &functionCall{
			Name: call.Function.Name,
			Args: toolArgs(call.Function.Arguments),
		}})
	}

	wire := generateContentResponse{
		Candidates:   []candidate{cand},
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
	}
	if !resp.Usage.IsZero() {
		wire.UsageMetadata = usageFromIR(resp.Usage)
	}

	return json.Marshal(wire)
}

// ExtractUsage pulls usage counters out of a single SSE data payload.
func (t *Transformer) ExtractUsage(data []byte) *ir.Usage {
	var wire generateContentResponse
	if err := json.Unmarshal(data, &wire); err != nil || wire.UsageMetadata == nil {
		return nil
	}
	usage := usageToIR(wire.UsageMetadata)
	return &usage
}

func usageToIR(meta *usageMetadata) ir.Usage {
	return ir.Usage{
		InputTokens:     meta.PromptTokenCount,
		OutputTokens:    meta.CandidatesTokenCount,
		TotalTokens:     meta.TotalTokenCount,
		ReasoningTokens: meta.ThoughtsTokenCount,
		CachedTokens:    meta.CachedContentTokenCount,
	}
}

func usageFromIR(usage ir.Usage) *usageMetadata {
	return &usageMetadata{
		PromptTokenCount:        usage.InputTokens,
		CandidatesTokenCount:    usage.OutputTokens,
		TotalTokenCount:         usage.TotalTokens,
		ThoughtsTokenCount:      usage.ReasoningTokens,
		CachedContentTokenCount: usage.CachedTokens,
	}
}
