package responses

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/protocol"
)

// Transformer implements the OpenAI Responses dialect.
type Transformer struct{}

// New returns the Responses transformer.
func New() *Transformer {
	return &Transformer{}
}

// APIType identifies this transformer in the registry.
func (t *Transformer) APIType() protocol.APIType {
	return protocol.APITypeResponses
}

/*
	REQUEST CONVERSION
*/

// ParseRequest decodes a Responses body into the IR. Input may be a plain
// string or an array of typed items; top-level instructions become a
// prepended system message.
func (t *Transformer) ParseRequest(raw []byte) (*ir.Request, error) {
	var wire responsesRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedRequest, err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("%w: missing model", protocol.ErrMalformedRequest)
	}

	req := &ir.Request{
		Model:       wire.Model,
		Temperature: wire.Temperature,
		Stream:      wire.Stream,
		Metadata:    wire.Metadata,
	}
	if wire.MaxOutputTokens != nil {
		req.MaxTokens = *wire.MaxOutputTokens
	}

	if wire.Instructions != "" {
		req.Messages = append(req.Messages, ir.Message{
			Role:    ir.RoleSystem,
			Content: ir.Str(wire.Instructions),
		})
	}

	messages, err := parseInput(wire.Input)
	if err != nil {
		return nil, err
	}
	req.Messages = append(req.Messages, messages...)
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: empty input", protocol.ErrMalformedRequest)
	}

	for _, tl := range wire.Tools {
		if tl.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, ir.ToolDecl{
			Name:        tl.Name,
			Description: tl.Description,
			Parameters:  tl.Parameters,
		})
	}
	if len(wire.ToolChoice) > 0 {
		choice, err := parseToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
	}

	if wire.Reasoning != nil {
		req.Reasoning = &ir.ReasoningHint{
			Enabled: utils.Ptr(true),
			Effort:  mapEffort(wire.Reasoning.Effort),
		}
	}
	if wire.Text != nil && wire.Text.Format != nil {
		switch wire.Text.Format.Type {
		case "json_object":
			req.ResponseFormat = &ir.ResponseFormat{Type: ir.ResponseFormatJSONObject}
		case "json_schema":
			req.ResponseFormat = &ir.ResponseFormat{
				Type:   ir.ResponseFormatJSONSchema,
				Name:   wire.Text.Format.Name,
				Schema: wire.Text.Format.Schema,
			}
		}
	}

	return req, nil
}

// parseInput handles the string-or-items polymorphism of the input field.
func parseInput(raw json.RawMessage) ([]ir.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []ir.Message{{Role: ir.RoleUser, Content: ir.Str(text)}}, nil
	}

	var items []inputItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: input must be a string or an item array: %v", protocol.ErrMalformedRequest, err)
	}

	var messages []ir.Message
	for _, item := range items {
		msg, err := parseInputItem(item)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			messages = append(messages, *msg)
		}
	}
	return messages, nil
}

// parseInputItem dispatches one input item to its IR message form.
func parseInputItem(item inputItem) (*ir.Message, error) {
	itemType := item.Type
	if itemType == "" && item.Role != "" {
		itemType = "message"
	}

	switch itemType {
	case "message":
		msg := ir.Message{Role: mapInputRole(item.Role)}
		if err := parseItemContent(item.Content, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case "function_call":
		call := ir.ToolCall{ID: item.CallID, Type: "function"}
		call.Function.Name = item.Name
		call.Function.Arguments = item.Arguments
		return &ir.Message{Role: ir.RoleAssistant, ToolCalls: []ir.ToolCall{call}}, nil

	case "function_call_output":
		return &ir.Message{
			Role:       ir.RoleTool,
			ToolCallID: item.CallID,
			Content:    ir.Str(outputText(item.Output)),
		}, nil

	case "reasoning":
		// Summary blocks collapse into one assistant turn; the per-block
		// structure does not survive the trip.
		var texts []string
		for _, s := range item.Summary {
			if s.Text != "" {
				texts = append(texts, s.Text)
			}
		}
		return &ir.Message{Role: ir.RoleAssistant, Content: ir.Str(strings.Join(texts, "\n"))}, nil

	default:
		return nil, fmt.Errorf("%w: unknown input item type %q", protocol.ErrMalformedRequest, item.Type)
	}
}

func mapInputRole(role string) ir.Role {
	switch role {
	case "developer", "system":
		return ir.RoleSystem
	case "assistant":
		return ir.RoleAssistant
	case "tool":
		return ir.RoleTool
	default:
		return ir.RoleUser
	}
}

// parseItemContent fills msg from a string-or-parts content value.
func parseItemContent(raw json.RawMessage, msg *ir.Message) error {
	if len(raw) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		msg.Content = ir.Str(text)
		return nil
	}

	var parts []contentItem
	if err := json.Unmarshal(raw, &parts); err != nil {
		return fmt.Errorf("%w: message content must be a string or a part array: %v", protocol.ErrMalformedRequest, err)
	}
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text":
			msg.Parts = append(msg.Parts, ir.Part{Type: ir.PartText, Text: p.Text})
		case "input_image":
			msg.Parts = append(msg.Parts, ir.Part{Type: ir.PartImage, Image: &ir.ImagePart{URL: p.ImageURL}})
		}
	}
	return nil
}

// outputText flattens a function_call_output payload to a string.
func outputText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

// parseToolChoice handles the string-or-object tool_choice field.
func parseToolChoice(raw json.RawMessage) (*ir.ToolChoice, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &ir.ToolChoice{Mode: ir.ToolChoiceAuto}, nil
		case "none":
			return &ir.ToolChoice{Mode: ir.ToolChoiceNone}, nil
		case "required":
			return &ir.ToolChoice{Mode: ir.ToolChoiceRequired}, nil
		default:
			return nil, fmt.Errorf("%w: unknown tool_choice %q", protocol.ErrMalformedRequest, mode)
		}
	}

	var named struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Name == "" {
		return nil, fmt.Errorf("%w: malformed tool_choice", protocol.ErrMalformedRequest)
	}
	return &ir.ToolChoice{Mode: ir.ToolChoiceNamed, FunctionName: named.Name}, nil
}

func mapEffort(effort string) ir.ReasoningEffort {
	if effort == "minimal" {
		return ir.EffortLow
	}
	return ir.ReasoningEffort(effort)
}

// BuildRequest encodes an IR request as a Responses payload. The system
// message maps back to top-level instructions.
func (t *Transformer) BuildRequest(req *ir.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	wire := responsesRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		Metadata:    req.Metadata,
	}
	if req.MaxTokens > 0 {
		tokens := req.MaxTokens
		wire.MaxOutputTokens = &tokens
	}

	var items []inputItem
	for _, msg := range req.Messages {
		switch msg.Role {
		case ir.RoleSystem:
			wire.Instructions = msg.Text()

		case ir.RoleUser:
			items = append(items, inputItem{Role: "user", Content: buildItemContent(msg, "input_text")})

		case ir.RoleAssistant:
			if msg.Thinking != nil && msg.Thinking.Content != "" {
				items = append(items, inputItem{
					Type:    "reasoning",
					Summary: []summaryItem{{Type: "summary_text", Text: msg.Thinking.Content}},
				})
			}
			if msg.Content != nil || len(msg.Parts) > 0 {
				items = append(items, inputItem{Role: "assistant", Content: buildItemContent(msg, "output_text")})
			}
			for _, call := range msg.ToolCalls {
				items = append(items, inputItem{
					Type:      "function_call",
					CallID:    call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				})
			}

		case ir.RoleTool:
			output, err := json.Marshal(msg.Text())
			if err != nil {
				return nil, fmt.Errorf("%w: marshal tool output: %v", ir.ErrInvariant, err)
			}
			items = append(items, inputItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: output,
			})
		}
	}
	input, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal input: %v", ir.ErrInvariant, err)
	}
	wire.Input = input

	for _, tl := range req.Tools {
		wire.Tools = append(wire.Tools, responseTool{
			Type:        "function",
			Name:        tl.Name,
			Description: tl.Description,
			Parameters:  tl.Parameters,
		})
	}
	if req.ToolChoice != nil {
		choice, err := buildToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		wire.ToolChoice = choice
	}

	if hint := req.Reasoning; hint != nil && (hint.Enabled == nil || *hint.Enabled) && hint.Effort != ir.EffortNone {
		cfg := &reasoningConfig{Summary: "auto"}
		if hint.Effort != "" {
			cfg.Effort = string(hint.Effort)
		}
		wire.Reasoning = cfg
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != ir.ResponseFormatText {
		format := &textFormat{Type: string(rf.Type)}
		if rf.Type == ir.ResponseFormatJSONSchema {
			format.Name = rf.Name
			format.Schema = rf.Schema
		}
		wire.Text = &textConfig{Format: format}
	}

	return json.Marshal(wire)
}

// buildItemContent renders message content as wire parts using the given
// text part type (input_text for user turns, output_text for assistant).
func buildItemContent(msg ir.Message, textType string) json.RawMessage {
	var parts []contentItem
	if msg.Content != nil {
		parts = append(parts, contentItem{Type: textType, Text: *msg.Content})
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case ir.PartText:
			parts = append(parts, contentItem{Type: textType, Text: p.Text})
		case ir.PartImage:
			if p.Image != nil {
				parts = append(parts, contentItem{Type: "input_image", ImageURL: p.Image.URL})
			}
		}
	}
	raw, _ := json.Marshal(parts)
	return raw
}

func buildToolChoice(choice *ir.ToolChoice) (json.RawMessage, error) {
	switch choice.Mode {
	case ir.ToolChoiceAuto:
		return json.Marshal("auto")
	case ir.ToolChoiceNone:
		return json.Marshal("none")
	case ir.ToolChoiceRequired:
		return json.Marshal("required")
	case ir.ToolChoiceNamed:
		return json.Marshal(map[string]string{"type": "function", "name": choice.FunctionName})
	default:
		return nil, fmt.Errorf("%w: unknown tool choice mode %q", ir.ErrInvariant, choice.Mode)
	}
}

/*
	RESPONSE CONVERSION
*/

// TransformResponse maps a unary Responses reply into the IR.
func (t *Transformer) TransformResponse(raw []byte) (*ir.Response, error) {
	var wire responsesResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamProtocol, err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("%w: upstream error: %s", protocol.ErrUpstreamProtocol, wire.Error.Message)
	}

	resp := &ir.Response{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.CreatedAt,
	}

	var text string
	var hasText bool
	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type != "output_text" {
					continue
				}
				text += c.Text
				hasText = true
				for _, a := range c.Annotations {
					resp.Annotations = append(resp.Annotations, ir.Annotation{
						Type:       a.Type,
						URL:        a.URL,
						Title:      a.Title,
						StartIndex: a.StartIndex,
						EndIndex:   a.EndIndex,
					})
				}
			}

		case "function_call":
			call := ir.ToolCall{ID: item.CallID, Type: "function"}
			call.Function.Name = item.Name
			call.Function.Arguments = item.Arguments
			resp.ToolCalls = append(resp.ToolCalls, call)

		case "reasoning":
			for _, s := range item.Summary {
				resp.ReasoningContent += s.Text
			}
		}
	}
	if hasText {
		resp.Content = ir.Str(text)
	}

	switch wire.Status {
	case "completed", "":
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = ir.FinishToolCalls
		} else {
			resp.FinishReason = ir.FinishStop
		}
	case "incomplete":
		resp.FinishReason = ir.FinishLength
	default:
		resp.FinishReason = wire.Status
	}
	if wire.Usage != nil {
		resp.Usage = usageToIR(wire.Usage)
	}

	return resp, nil
}

// FormatResponse encodes an IR response as a unary Responses reply:
// reasoning item first, then one function_call item per tool call, then
// the message item.
func (t *Transformer) FormatResponse(resp *ir.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}

	wire := responsesResponse{
		ID:        id,
		Object:    "response",
		CreatedAt: created,
		Model:     resp.Model,
		Status:    "completed",
		Output:    buildOutputItems(resp),
	}
	if !resp.Usage.IsZero() {
		wire.Usage = usageFromIR(resp.Usage)
	}

	return json.Marshal(wire)
}

func buildOutputItems(resp *ir.Response) []outputItem {
	items := []outputItem{}

	if resp.ReasoningContent != "" {
		items = append(items, outputItem{
			ID:      "rs_" + uuid.NewString(),
			Type:    "reasoning",
			Summary: []summaryItem{{Type: "summary_text", Text: resp.ReasoningContent}},
		})
	}

	for _, call := range resp.ToolCalls {
		callID := call.ID
		if callID == "" {
			callID = "call_" + uuid.NewString()
		}
		items = append(items, outputItem{
			ID:        "fc_" + uuid.NewString(),
			Type:      "function_call",
			Status:    "completed",
			CallID:    callID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	if resp.Content != nil || len(resp.ToolCalls) == 0 {
		content := contentOutput{Type: "output_text", Annotations: []wireAnnotation{}}
		if resp.Content != nil {
			content.Text = *resp.Content
		}
		for _, a := range resp.Annotations {
			content.Annotations = append(content.Annotations, wireAnnotation{
				Type:       a.Type,
				URL:        a.URL,
				Title:      a.Title,
				StartIndex: a.StartIndex,
				EndIndex:   a.EndIndex,
			})
		}
		items = append(items, outputItem{
			ID:      "msg_" + uuid.NewString(),
			Type:    "message",
			Status:  "completed",
			Role:    "assistant",
			Content: []contentOutput{content},
		})
	}

	return items
}

// ExtractUsage pulls usage counters out of a single SSE data payload. Only
// envelope events (response.completed) carry usage.
func (t *Transformer) ExtractUsage(data []byte) *ir.Usage {
	var event streamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil
	}
	if event.Response == nil || event.Response.Usage == nil {
		return nil
	}
	usage := usageToIR(event.Response.Usage)
	return &usage
}

// usageToIR normalizes wire usage: input_tokens includes the cached
// portion and output_tokens includes reasoning, both split out here.
func usageToIR(wire *responsesUsage) ir.Usage {
	usage := ir.Usage{
		InputTokens:  wire.InputTokens,
		OutputTokens: wire.OutputTokens,
		TotalTokens:  wire.TotalTokens,
	}
	if wire.InputTokensDetails != nil {
		usage.CachedTokens = wire.InputTokensDetails.CachedTokens
		usage.InputTokens = max(0, usage.InputTokens-usage.CachedTokens)
	}
	if wire.OutputTokensDetails != nil {
		usage.ReasoningTokens = wire.OutputTokensDetails.ReasoningTokens
		usage.OutputTokens = max(0, usage.OutputTokens-usage.ReasoningTokens)
	}
	return usage
}

// usageFromIR is the inverse: the wire reports cache-inclusive input and
// reasoning-inclusive output.
func usageFromIR(usage ir.Usage) *responsesUsage {
	wire := &responsesUsage{
		InputTokens:  usage.InputTokens + usage.CachedTokens,
		OutputTokens: usage.OutputTokens + usage.ReasoningTokens,
		TotalTokens:  usage.TotalTokens,
	}
	if wire.TotalTokens == 0 {
		wire.TotalTokens = wire.InputTokens + wire.OutputTokens
	}
	wire.InputTokensDetails = &struct {
		CachedTokens int `json:"cached_tokens"`
	}{CachedTokens: usage.CachedTokens}
	wire.OutputTokensDetails = &struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	}{ReasoningTokens: usage.ReasoningTokens}
	return wire
}
