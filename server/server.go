// Package server exposes the gateway over HTTP: one ingress route per
// wire dialect, a health probe, and the unary/SSE handler flow that
// connects transformers, router, auth broker, and the stream pipeline.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/leofalp/relay/config"
	"github.com/leofalp/relay/oauth"
	"github.com/leofalp/relay/pipeline"
	"github.com/leofalp/relay/protocol"
	"github.com/leofalp/relay/protocol/anthropic"
	"github.com/leofalp/relay/protocol/gemini"
	"github.com/leofalp/relay/protocol/openaichat"
	"github.com/leofalp/relay/protocol/responses"
	"github.com/leofalp/relay/router"
)

// Server routes ingress requests through the translation pipeline.
type Server struct {
	mux       chi.Router
	registry  *protocol.Registry
	router    router.Router
	broker    oauth.Broker
	providers map[string]config.Provider
	sink      pipeline.Sink
	client    *http.Client
}

// Option customizes a Server.
type Option func(*Server)

// WithHTTPClient replaces the upstream HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Server) { s.client = client }
}

// WithSink replaces the usage sink.
func WithSink(sink pipeline.Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// New wires the gateway: all four dialect transformers, the alias router,
// and the auth broker built from provider config.
func New(cfg *config.Config, route router.Router, broker oauth.Broker, opts ...Option) *Server {
	s := &Server{
		registry: protocol.NewRegistry(
			openaichat.New(),
			anthropic.New(),
			gemini.New(),
			responses.New(),
		),
		router:    route,
		broker:    broker,
		providers: cfg.Providers,
		sink:      pipeline.SlogSink{},
		client:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat/completions", s.handleDialect(protocol.APITypeChat))
	r.Post("/v1/messages", s.handleDialect(protocol.APITypeMessages))
	r.Post("/v1/responses", s.handleDialect(protocol.APITypeResponses))
	// Gemini embeds model and method in the path:
	// /v1beta/models/{model}:generateContent or :streamGenerateContent.
	r.Post("/v1beta/*", s.handleGemini)

	s.mux = r
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
