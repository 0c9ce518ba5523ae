package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leofalp/relay/internal/tokencount"
	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/protocol"
)

// defaultMaxTokens is applied when the IR carries no max_tokens; the
// Messages API requires the field on every request.
const defaultMaxTokens = 4096

// Transformer implements the Anthropic Messages dialect. It is stateless;
// per-stream state lives inside the iterators.
type Transformer struct{}

// New returns the Messages transformer.
func New() *Transformer {
	return &Transformer{}
}

// APIType identifies this transformer in the registry.
func (t *Transformer) APIType() protocol.APIType {
	return protocol.APITypeMessages
}

/*
	REQUEST CONVERSION
*/

// ParseRequest decodes a /v1/messages body into the IR. The top-level
// system field becomes a leading system message; tool_result blocks on user
// messages split off into separate tool-role messages.
func (t *Transformer) ParseRequest(raw []byte) (*ir.Request, error) {
	var wire messagesRequest
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
	req.MaxTokens = wire.MaxTokens

	if len(wire.System) > 0 {
		system, err := parseSystem(wire.System)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedRequest, err)
		}
		req.Messages = append(req.Messages, system)
	}

	for _, msg := range wire.Messages {
		parsed, err := parseWireMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedRequest, err)
		}
		req.Messages = append(req.Messages, parsed...)
	}

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, ir.ToolDecl{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	if wire.ToolChoice != nil {
		switch wire.ToolChoice.Type {
		case "auto":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceAuto}
		case "any":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceRequired}
		case "none":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceNone}
		case "tool":
			req.ToolChoice = &ir.ToolChoice{Mode: ir.ToolChoiceNamed, FunctionName: wire.ToolChoice.Name}
		default:
			return nil, fmt.Errorf("%w: unknown tool_choice type %q", protocol.ErrMalformedRequest, wire.ToolChoice.Type)
		}
	}
	if wire.Thinking != nil {
		req.Reasoning = parseThinkingConfig(wire.Thinking)
	}

	return req, nil
}

func parseSystem(raw json.RawMessage) (ir.Message, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return ir.Message{Role: ir.RoleSystem, Content: ir.Str(text)}, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ir.Message{}, fmt.Errorf("system is neither string nor block array: %v", err)
	}
	msg := ir.Message{Role: ir.RoleSystem}
	for _, block := range blocks {
		if block.Type != "text" {
			continue
		}
		msg.Parts = append(msg.Parts, ir.Part{
			Type:         ir.PartText,
			Text:         block.Text,
			CacheControl: block.CacheControl,
		})
	}
	return msg, nil
}

// parseWireMessage splits one wire message into IR messages. A user message
// carrying tool_result blocks yields one tool message per result, followed
// by a user message holding any remaining parts.
func parseWireMessage(msg wireMessage) ([]ir.Message, error) {
	role := ir.Role(msg.Role)

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return []ir.Message{{Role: role, Content: ir.Str(text)}}, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("message content is neither string nor block array: %v", err)
	}

	var out []ir.Message
	main := ir.Message{Role: role}
	hasMain := false

	for _, block := range blocks {
		switch block.Type {
		case "text":
			main.Parts = append(main.Parts, ir.Part{
				Type:         ir.PartText,
				Text:         block.Text,
				CacheControl: block.CacheControl,
			})
			hasMain = true

		case "image":
			if block.Source == nil {
				continue
			}
			main.Parts = append(main.Parts, ir.Part{
				Type: ir.PartImage,
				Image: &ir.ImagePart{
					URL:       block.Source.URL,
					Data:      block.Source.Data,
					MediaType: block.Source.MediaType,
				},
			})
			hasMain = true

		case "thinking":
			main.Thinking = &ir.Thinking{Content: block.Thinking, Signature: block.Signature}
			hasMain = true

		case "tool_use":
			call := ir.ToolCall{ID: block.ID, Type: "function"}
			call.Function.Name = block.Name
			call.Function.Arguments = string(block.Input)
			main.ToolCalls = append(main.ToolCalls, call)
			hasMain = true

		case "tool_result":
			out = append(out, ir.Message{
				Role:       ir.RoleTool,
				ToolCallID: block.ToolUseID,
				Content:    ir.Str(toolResultText(block.Content)),
			})
		}
	}

	if hasMain {
		out = append(out, main)
	}
	return out, nil
}

// toolResultText flattens a tool_result content field (string or block
// array) into plain text.
func toolResultText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, block := range blocks {
			if block.Type == "text" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func parseThinkingConfig(cfg *thinkingConfig) *ir.ReasoningHint {
	switch cfg.Type {
	case "disabled":
		return &ir.ReasoningHint{Enabled: utils.Ptr(false)}
	case "enabled":
		return &ir.ReasoningHint{Enabled: utils.Ptr(true), MaxTokens: cfg.BudgetTokens}
	default:
		// "adaptive" and future types opt in without a fixed budget.
		return &ir.ReasoningHint{Enabled: utils.Ptr(true)}
	}
}

// BuildRequest encodes an IR request as a Messages API payload. Consecutive
// same-role wire messages are merged because the API rejects them.
func (t *Transformer) BuildRequest(req *ir.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	wire := messagesRequest{
		Model:    req.Model,
		Stream:   req.Stream,
		Metadata: req.Metadata,
	}
	wire.Temperature = req.Temperature
	wire.MaxTokens = req.MaxTokens
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = defaultMaxTokens
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case ir.RoleSystem:
			system, err := buildSystem(msg)
			if err != nil {
				return nil, err
			}
			wire.System = system

		case ir.RoleUser, ir.RoleAssistant:
			appendBlocks(&wire.Messages, string(msg.Role), buildMessageBlocks(msg))

		case ir.RoleTool:
			content, err := json.Marshal(msg.Text())
			if err != nil {
				return nil, fmt.Errorf("%w: marshal tool result: %v", ir.ErrInvariant, err)
			}
			appendBlocks(&wire.Messages, "user", []contentBlock{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   content,
			}})
		}
	}

	for _, tool := range req.Tools {
		entry := wireTool{Name: tool.Name, Description: tool.Description, InputSchema: tool.Parameters}
		if len(entry.InputSchema) == 0 {
			// input_schema is mandatory; send an empty object schema.
			entry.InputSchema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wire.Tools = append(wire.Tools, entry)
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case ir.ToolChoiceAuto:
			wire.ToolChoice = &wireToolChoice{Type: "auto"}
		case ir.ToolChoiceRequired:
			wire.ToolChoice = &wireToolChoice{Type: "any"}
		case ir.ToolChoiceNone:
			wire.ToolChoice = &wireToolChoice{Type: "none"}
		case ir.ToolChoiceNamed:
			wire.ToolChoice = &wireToolChoice{Type: "tool", Name: req.ToolChoice.FunctionName}
		default:
			return nil, fmt.Errorf("%w: unknown tool choice mode %q", ir.ErrInvariant, req.ToolChoice.Mode)
		}
	}
	wire.Thinking = buildThinkingConfig(req.Reasoning)

	return json.Marshal(wire)
}

func buildSystem(msg ir.Message) (json.RawMessage, error) {
	if msg.Content != nil {
		return json.Marshal(*msg.Content)
	}
	var blocks []contentBlock
	for _, part := range msg.Parts {
		if part.Type != ir.PartText {
			continue
		}
		blocks = append(blocks, contentBlock{
			Type:         "text",
			Text:         part.Text,
			CacheControl: part.CacheControl,
		})
	}
	return json.Marshal(blocks)
}

// appendBlocks adds blocks to the last wire message when the role matches,
// or opens a new message otherwise.
func appendBlocks(messages *[]wireMessage, role string, blocks []contentBlock) {
	if len(blocks) == 0 {
		return
	}
	if n := len(*messages); n > 0 && (*messages)[n-1].Role == role {
		var existing []contentBlock
		// Merged messages are always in block-array form.
		_ = json.Unmarshal((*messages)[n-1].Content, &existing)
		existing = append(existing, blocks...)
		(*messages)[n-1].Content, _ = json.Marshal(existing)
		return
	}
	content, _ := json.Marshal(blocks)
	*messages = append(*messages, wireMessage{Role: role, Content: content})
}

// buildMessageBlocks renders one IR message as content blocks: thinking
// first, then text and image parts, tool_use trailing.
func buildMessageBlocks(msg ir.Message) []contentBlock {
	var blocks []contentBlock

	if msg.Thinking != nil && msg.Thinking.Content != "" {
		blocks = append(blocks, contentBlock{
			Type:      "thinking",
			Thinking:  msg.Thinking.Content,
			Signature: msg.Thinking.Signature,
		})
	}

	if msg.Content != nil {
		blocks = append(blocks, contentBlock{Type: "text", Text: *msg.Content})
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case ir.PartText:
			blocks = append(blocks, contentBlock{
				Type:         "text",
				Text:         part.Text,
				CacheControl: part.CacheControl,
			})
		case ir.PartImage:
			if part.Image == nil {
				continue
			}
			block := contentBlock{Type: "image"}
			if part.Image.URL != "" {
				block.Source = &mediaSource{Type: "url", URL: part.Image.URL}
			} else {
				block.Source = &mediaSource{
					Type:      "base64",
					MediaType: part.Image.MediaType,
					Data:      part.Image.Data,
				}
			}
			blocks = append(blocks, block)
		}
	}

	for _, call := range msg.ToolCalls {
		blocks = append(blocks, contentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: toolInput(call.Function.Arguments),
		})
	}

	return blocks
}

func buildThinkingConfig(hint *ir.ReasoningHint) *thinkingConfig {
	if hint == nil {
		return nil
	}
	if hint.Enabled != nil && !*hint.Enabled {
		return &thinkingConfig{Type: "disabled"}
	}
	if hint.Effort == ir.EffortNone {
		return &thinkingConfig{Type: "disabled"}
	}
	if hint.MaxTokens > 0 {
		return &thinkingConfig{Type: "enabled", BudgetTokens: hint.MaxTokens}
	}
	return &thinkingConfig{Type: "adaptive"}
}

// toolInput renders a tool-call arguments string as the JSON object the
// wire expects. Malformed arguments are wrapped rather than dropped.
func toolInput(arguments string) json.RawMessage {
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

// TransformResponse maps a unary Messages reply into the IR, imputing the
// output/reasoning token split when thinking content is present.
func (t *Transformer) TransformResponse(raw []byte) (*ir.Response, error) {
	var wire messagesResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamProtocol, err)
	}
	if wire.Type != "" && wire.Type != "message" {
		return nil, fmt.Errorf("%w: unexpected response type %q", protocol.ErrUpstreamProtocol, wire.Type)
	}

	resp := &ir.Response{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: time.Now().Unix(),
	}

	var textParts, thinkingParts []string
	var signature string
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "thinking":
			thinkingParts = append(thinkingParts, block.Thinking)
			if block.Signature != "" {
				signature = block.Signature
			}
		case "tool_use":
			call := ir.ToolCall{ID: block.ID, Type: "function"}
			call.Function.Name = block.Name
			call.Function.Arguments = string(block.Input)
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}

	text := strings.Join(textParts, "")
	if len(textParts) > 0 {
		resp.Content = ir.Str(text)
	}
	resp.ReasoningContent = strings.Join(thinkingParts, "")
	if signature != "" {
		resp.Thinking = &ir.Thinking{Content: resp.ReasoningContent, Signature: signature}
	}

	resp.FinishReason = mapStopReason(wire.StopReason)
	if wire.StopReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = "tool_calls"
		} else {
			resp.FinishReason = "stop"
		}
	}

	resp.Usage = imputeUsage(wire.Usage, text, resp.ReasoningContent != "")
	return resp, nil
}

// imputeUsage converts wire usage to the IR, splitting output_tokens
// between text and reasoning when thinking was observed. The split
// conserves the provider total: output + reasoning = reported output.
func imputeUsage(wire wireUsage, text string, hasThinking bool) ir.Usage {
	usage := ir.Usage{
		InputTokens:         wire.InputTokens,
		OutputTokens:        wire.OutputTokens,
		CachedTokens:        wire.CacheReadInputTokens,
		CacheCreationTokens: wire.CacheCreationInputTokens,
	}
	if hasThinking {
		estimated := tokencount.Count(text)
		if estimated > wire.OutputTokens {
			estimated = wire.OutputTokens
		}
		usage.OutputTokens = estimated
		usage.ReasoningTokens = wire.OutputTokens - estimated
	}
	usage.TotalTokens = usage.InputTokens + usage.CachedTokens + usage.OutputTokens + usage.ReasoningTokens
	return usage
}

// FormatResponse encodes an IR response as a unary Messages reply.
// Thinking leads the content array, tool_use blocks trail; tool arguments
// that fail to parse are wrapped as {"raw_arguments": ...}.
func (t *Transformer) FormatResponse(resp *ir.Response) ([]byte, error) {
	wire := messagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if wire.ID == "" {
		wire.ID = "msg_" + uuid.NewString()
	}

	if thinking := formatThinkingBlock(resp); thinking != nil {
		wire.Content = append(wire.Content, *thinking)
	}
	if resp.Content != nil && *resp.Content != "" {
		wire.Content = append(wire.Content, contentBlock{Type: "text", Text: *resp.Content})
	}
	for _, call := range resp.ToolCalls {
		wire.Content = append(wire.Content, contentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: toolInput(call.Function.Arguments),
		})
	}

	wire.StopReason = unmapStopReason(resp.FinishReason)
	if resp.FinishReason == "" && len(resp.ToolCalls) > 0 {
		wire.StopReason = "tool_use"
	}

	wire.Usage = usageToWire(resp.Usage)
	return json.Marshal(wire)
}

func formatThinkingBlock(resp *ir.Response) *contentBlock {
	content := resp.ReasoningContent
	signature := ""
	if resp.Thinking != nil {
		if resp.Thinking.Content != "" {
			content = resp.Thinking.Content
		}
		signature = resp.Thinking.Signature
	}
	if content == "" {
		return nil
	}
	return &contentBlock{Type: "thinking", Thinking: content, Signature: signature}
}

// usageToWire renders IR usage in Anthropic conventions: output_tokens
// spans text and reasoning, the wire input field excludes cached tokens,
// and the reasoning sub-count rides in thinkingTokens.
func usageToWire(usage ir.Usage) wireUsage {
	return wireUsage{
		InputTokens:              max(0, usage.InputTokens-usage.CachedTokens),
		OutputTokens:             usage.OutputTokens + usage.ReasoningTokens,
		CacheReadInputTokens:     usage.CachedTokens,
		CacheCreationInputTokens: usage.CacheCreationTokens,
		ThinkingTokens:           usage.ReasoningTokens,
	}
}

// ExtractUsage pulls usage counters out of a single SSE data payload. Both
// message_start (input snapshot) and message_delta (output counts) carry
// usage.
func (t *Transformer) ExtractUsage(data []byte) *ir.Usage {
	event, err := unmarshalStreamEvent(string(data))
	if err != nil {
		return nil
	}

	var wire *wireUsage
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			wire = &event.Message.Usage
		}
	case "message_delta":
		wire = event.Usage
	}
	if wire == nil {
		return nil
	}

	usage := ir.Usage{
		InputTokens:         wire.InputTokens,
		OutputTokens:        wire.OutputTokens - wire.ThinkingTokens,
		ReasoningTokens:     wire.ThinkingTokens,
		CachedTokens:        wire.CacheReadInputTokens,
		CacheCreationTokens: wire.CacheCreationInputTokens,
	}
	if usage.IsZero() {
		return nil
	}
	usage.TotalTokens = usage.InputTokens + usage.CachedTokens + usage.OutputTokens + usage.ReasoningTokens
	return &usage
}
