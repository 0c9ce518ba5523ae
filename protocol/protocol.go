// Package protocol defines the transformer capability every wire dialect
// implements and the registry the gateway resolves dialects from.
//
// A transformer is a pair of adapters over the shared IR: the ingress side
// parses client bytes into [ir.Request] values and formats [ir.Response] /
// [ir.Stream] values back into client bytes; the egress side builds provider
// payloads from the IR and translates provider replies into it. Streaming
// operations are stateful and lazy; unary operations are pure.
package protocol

import (
	"context"
	"errors"
	"io"

	"github.com/leofalp/relay/ir"
)

// APIType identifies a wire dialect.
type APIType string

const (
	APITypeChat      APIType = "chat"      // OpenAI Chat Completions
	APITypeMessages  APIType = "messages"  // Anthropic Messages
	APITypeGemini    APIType = "gemini"    // Google Gemini GenerateContent
	APITypeResponses APIType = "responses" // OpenAI Responses
)

// Error kinds of the translation core. Stream-internal parse errors are
// contained within their stage (logged and skipped) and never surface as
// these; see the package documentation of pipeline for the containment
// rules.
var (
	// ErrMalformedRequest marks an ingress body that structurally violates
	// the dialect it claims. Callers answer with a 4xx.
	ErrMalformedRequest = errors.New("protocol: malformed request")

	// ErrUpstreamProtocol marks an upstream unary reply that cannot be
	// interpreted as the dialect the provider was called with.
	ErrUpstreamProtocol = errors.New("protocol: upstream protocol violation")
)

// Transformer is the capability set of one wire dialect.
//
// ParseRequest and TransformResponse fail with ErrMalformedRequest and
// ErrUpstreamProtocol respectively. BuildRequest and FormatResponse fail
// only on internal invariant violations, never on valid IR.
//
// TransformStream consumes an open provider byte stream and yields IR
// chunks; it owns body and closes it on every exit path, including the
// consumer breaking out of the range loop. FormatStream turns an IR chunk
// stream into complete SSE frames, one []byte per frame; the final frame is
// always the dialect's terminator event.
type Transformer interface {
	APIType() APIType

	ParseRequest(raw []byte) (*ir.Request, error)
	BuildRequest(req *ir.Request) ([]byte, error)

	TransformResponse(raw []byte) (*ir.Response, error)
	FormatResponse(resp *ir.Response) ([]byte, error)

	TransformStream(ctx context.Context, body io.ReadCloser) ir.Stream
	FormatStream(ctx context.Context, stream ir.Stream) Frames

	// ExtractUsage inspects a single SSE data payload and returns the usage
	// counters it carries, or nil. It is pure and stateless so a bypass
	// observer can call it without disturbing stream framing.
	ExtractUsage(data []byte) *ir.Usage
}

// Frames is a lazy sequence of complete SSE frames ready to be written to
// the client. Like ir.Stream it is single-pass and pull-driven: a slow
// consumer slows the producer.
type Frames = ir.FrameSeq

// EndpointProvider is implemented by dialects whose upstream path depends on
// the request (Gemini embeds model and streaming mode in the URL). The
// returned path is relative to the provider base URL. Dialects without this
// interface use a fixed path chosen by the dispatcher.
type EndpointProvider interface {
	Endpoint(req *ir.Request) string
}

// Registry resolves transformers by API type.
type Registry struct {
	transformers map[APIType]Transformer
}

// NewRegistry creates a registry holding the given transformers.
func NewRegistry(transformers ...Transformer) *Registry {
	reg := &Registry{transformers: make(map[APIType]Transformer, len(transformers))}
	for _, t := range transformers {
		reg.transformers[t.APIType()] = t
	}
	return reg
}

// Get returns the transformer for apiType, or false when the dialect is not
// registered.
func (r *Registry) Get(apiType APIType) (Transformer, bool) {
	t, ok := r.transformers[apiType]
	return t, ok
}
