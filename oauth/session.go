package oauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/protocol/anthropic"
)

// Session is a per-session upstream adapter for the OAuth path. It speaks
// the Anthropic Messages dialect to the provider, applies tool-name
// proxying on the way out, and strips it from everything coming back, so
// callers above this boundary only ever see their own tool names.
type Session struct {
	broker     Broker
	client     *http.Client
	baseURL    string
	providerID string
	dialect    *anthropic.Transformer
}

// NewSession builds a session against one provider endpoint. client may be
// nil to use http.DefaultClient.
func NewSession(broker Broker, client *http.Client, baseURL, providerID string) *Session {
	return &Session{
		broker:     broker,
		client:     client,
		baseURL:    baseURL,
		providerID: providerID,
		dialect:    anthropic.New(),
	}
}

// Send performs a unary call.
func (s *Session) Send(ctx context.Context, req *ir.Request) (*ir.Response, error) {
	payload, err := s.dialect.BuildRequest(proxyRequest(req))
	if err != nil {
		return nil, err
	}
	headers, err := s.broker.Headers(ctx, s.providerID)
	if err != nil {
		return nil, fmt.Errorf("oauth headers: %w", err)
	}

	body, _, err := utils.DoPost(ctx, s.client, s.baseURL+"/v1/messages", headers, payload)
	if err != nil {
		return nil, err
	}
	resp, err := s.dialect.TransformResponse(body)
	if err != nil {
		return nil, err
	}
	unproxyResponse(resp)
	return resp, nil
}

// Stream performs a streaming call. The returned stream owns the upstream
// body and releases it when the consumer stops.
func (s *Session) Stream(ctx context.Context, req *ir.Request) (ir.Stream, error) {
	streaming := *req
	streaming.Stream = true
	payload, err := s.dialect.BuildRequest(proxyRequest(&streaming))
	if err != nil {
		return nil, err
	}
	headers, err := s.broker.Headers(ctx, s.providerID)
	if err != nil {
		return nil, fmt.Errorf("oauth headers: %w", err)
	}

	res, err := utils.DoPostStream(ctx, s.client, s.baseURL+"/v1/messages", headers, payload)
	if err != nil {
		return nil, err
	}

	upstream := s.dialect.TransformStream(ctx, res.Body)
	return func(yield func(ir.Chunk, error) bool) {
		for chunk, err := range upstream {
			unproxyChunk(&chunk)
			if !yield(chunk, err) {
				return
			}
		}
	}, nil
}

// proxyRequest clones the request with every client tool name pushed into
// the proxy namespace. The original request is never mutated.
func proxyRequest(req *ir.Request) *ir.Request {
	proxied := *req

	if len(req.Tools) > 0 {
		proxied.Tools = make([]ir.ToolDecl, len(req.Tools))
		for i, tool := range req.Tools {
			tool.Name = ProxyToolName(tool.Name)
			proxied.Tools[i] = tool
		}
	}
	if req.ToolChoice != nil && req.ToolChoice.FunctionName != "" {
		choice := *req.ToolChoice
		choice.FunctionName = ProxyToolName(choice.FunctionName)
		proxied.ToolChoice = &choice
	}

	if len(req.Messages) > 0 {
		proxied.Messages = make([]ir.Message, len(req.Messages))
		for i, msg := range req.Messages {
			if len(msg.ToolCalls) > 0 {
				calls := make([]ir.ToolCall, len(msg.ToolCalls))
				for j, call := range msg.ToolCalls {
					call.Function.Name = ProxyToolName(call.Function.Name)
					calls[j] = call
				}
				msg.ToolCalls = calls
			}
			if msg.Role == ir.RoleTool && msg.Name != "" {
				msg.Name = ProxyToolName(msg.Name)
			}
			proxied.Messages[i] = msg
		}
	}

	return &proxied
}

func unproxyResponse(resp *ir.Response) {
	for i := range resp.ToolCalls {
		resp.ToolCalls[i].Function.Name = UnproxyToolName(resp.ToolCalls[i].Function.Name)
	}
}

func unproxyChunk(chunk *ir.Chunk) {
	for i := range chunk.Delta.ToolCalls {
		chunk.Delta.ToolCalls[i].Name = UnproxyToolName(chunk.Delta.ToolCalls[i].Name)
	}
}
