package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/leofalp/relay/internal/utils"
	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/observability"
	"github.com/leofalp/relay/pipeline"
	"github.com/leofalp/relay/protocol"
	"github.com/leofalp/relay/router"
)

// maxRequestBody caps ingress bodies at 32 MB.
const maxRequestBody = 32 << 20

// handleDialect returns the handler for one body-addressed ingress
// dialect (chat, messages, responses).
func (s *Server) handleDialect(ingress protocol.APIType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
			return
		}

		tr, ok := s.registry.Get(ingress)
		if !ok {
			writeError(w, http.StatusInternalServerError, "internal_error", "ingress dialect not registered")
			return
		}
		req, err := tr.ParseRequest(body)
		if err != nil {
			writeMappedError(w, err)
			return
		}

		s.dispatch(w, r, ingress, tr, req)
	}
}

// handleGemini parses model and streaming mode out of the URL before the
// body, since the GenerateContent wire keeps both in the path.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1beta/")
	name, method, ok := strings.Cut(rest, ":")
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "expected /v1beta/{model}:generateContent")
		return
	}
	var stream bool
	switch method {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown method %q", method))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	tr, _ := s.registry.Get(protocol.APITypeGemini)
	req, err := tr.ParseRequest(body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	req.Model = strings.TrimPrefix(name, "models/")
	req.Stream = stream

	s.dispatch(w, r, protocol.APITypeGemini, tr, req)
}

// dispatch runs the resolved request through the translation pipeline:
// route, build, call upstream, transform back, format for the client.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ingress protocol.APIType, ingressTr protocol.Transformer, req *ir.Request) {
	ctx := r.Context()

	alias := req.Model
	target, err := s.router.Resolve(ctx, req, ingress)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	egressTr, ok := s.registry.Get(target.EgressAPIType)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error",
			fmt.Sprintf("egress dialect %q not registered", target.EgressAPIType))
		return
	}
	provider, ok := s.providers[target.Provider]
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error",
			fmt.Sprintf("provider %q not configured", target.Provider))
		return
	}

	req.Model = target.ProviderModelID
	payload, err := egressTr.BuildRequest(req)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	headers, err := s.broker.Headers(ctx, target.Provider)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to obtain provider credentials")
		return
	}
	url := provider.BaseURL + s.endpointPath(target, egressTr, req)

	rec := &pipeline.Record{
		RequestID: uuid.NewString(),
		Provider:  target.Provider,
		Model:     alias,
		Ingress:   ingress,
		Egress:    target.EgressAPIType,
		Bypass:    ingress == target.EgressAPIType,
		Pricing:   target.PricingHint,
	}

	if req.Stream {
		s.serveStream(w, r, ingressTr, egressTr, rec, url, headers, payload)
		return
	}
	s.serveUnary(w, r, ingressTr, egressTr, rec, url, headers, payload)
}

// endpointPath picks the upstream path: explicit override, then the
// transformer's own synthesis, then the dialect default.
func (s *Server) endpointPath(target *router.Target, egressTr protocol.Transformer, req *ir.Request) string {
	if target.EndpointOverride != "" {
		return target.EndpointOverride
	}
	if ep, ok := egressTr.(protocol.EndpointProvider); ok {
		return ep.Endpoint(req)
	}
	switch egressTr.APIType() {
	case protocol.APITypeChat:
		return "/v1/chat/completions"
	case protocol.APITypeMessages:
		return "/v1/messages"
	case protocol.APITypeResponses:
		return "/v1/responses"
	}
	return "/"
}

func (s *Server) serveUnary(w http.ResponseWriter, r *http.Request, ingressTr, egressTr protocol.Transformer, rec *pipeline.Record, url string, headers http.Header, payload []byte) {
	ctx := r.Context()

	raw, _, err := utils.DoPost(ctx, s.client, url, headers, payload)
	if err != nil {
		rec.Finalize(pipeline.StatusUpstreamError)
		s.sink.Record(ctx, rec)
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	resp, err := egressTr.TransformResponse(raw)
	if err != nil {
		rec.Finalize(pipeline.StatusUpstreamError)
		s.sink.Record(ctx, rec)
		writeMappedError(w, err)
		return
	}
	rec.Usage = resp.Usage

	out := raw
	if !rec.Bypass {
		out, err = ingressTr.FormatResponse(resp)
		if err != nil {
			rec.Finalize(pipeline.StatusUpstreamError)
			s.sink.Record(ctx, rec)
			writeMappedError(w, err)
			return
		}
	}

	rec.Finalize(pipeline.StatusCompleted)
	s.sink.Record(ctx, rec)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, ingressTr, egressTr protocol.Transformer, rec *pipeline.Record, url string, headers http.Header, payload []byte) {
	ctx := r.Context()

	res, err := utils.DoPostStream(ctx, s.client, url, headers, payload)
	if err != nil {
		rec.Finalize(pipeline.StatusUpstreamError)
		s.sink.Record(ctx, rec)
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	if rec.Bypass {
		s.serveBypassStream(w, r, egressTr, rec, res.Body, flusher)
		return
	}

	chunks := egressTr.TransformStream(ctx, res.Body)
	observed := pipeline.Observe(ctx, chunks, rec, s.sink)

	for frame, err := range ingressTr.FormatStream(ctx, observed) {
		if err != nil {
			// Headers are gone; the truncated stream is the error signal.
			observability.FromContext(ctx).Error(ctx, "stream translation failed", observability.Error(err))
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// serveBypassStream forwards raw upstream bytes, tapping usage off
// complete data lines as they pass.
func (s *Server) serveBypassStream(w http.ResponseWriter, r *http.Request, egressTr protocol.Transformer, rec *pipeline.Record, body io.ReadCloser, flusher http.Flusher) {
	ctx := r.Context()
	tap := pipeline.NewUsageTap(body, egressTr.ExtractUsage, rec)
	defer utils.CloseWithLog(ctx, tap)

	finish := func(status pipeline.Status) {
		if rec.Finalize(status) {
			s.sink.Record(ctx, rec)
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := tap.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				finish(pipeline.StatusClientDisconnect)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			finish(pipeline.StatusCompleted)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				finish(pipeline.StatusClientDisconnect)
			} else {
				finish(pipeline.StatusUpstreamError)
			}
			return
		}
	}
}

/*
	ERROR MAPPING
*/

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = kind
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeMappedError translates core error kinds to HTTP statuses: 400 for
// malformed requests, 404 for unknown aliases, 502 for upstream protocol
// violations, 500 for internal invariant breaks.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrMalformedRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, router.ErrUnknownAlias):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, protocol.ErrUpstreamProtocol):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	case errors.Is(err, ir.ErrInvariant):
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
