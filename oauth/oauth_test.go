package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leofalp/relay/ir"
)

func TestProxyToolName_Idempotent(t *testing.T) {
	cases := []struct{ in, want string }{
		{"lookup", "proxy_lookup"},
		{"proxy_lookup", "proxy_lookup"},
		{"", "proxy_"},
	}
	for _, tc := range cases {
		once := ProxyToolName(tc.in)
		if once != tc.want {
			t.Errorf("ProxyToolName(%q): got %q, want %q", tc.in, once, tc.want)
		}
		if twice := ProxyToolName(once); twice != once {
			t.Errorf("not idempotent: %q -> %q", once, twice)
		}
	}
}

func TestUnproxyToolName_Inverts(t *testing.T) {
	for _, name := range []string{"lookup", "get_weather", "proxy_internal"} {
		if got := UnproxyToolName(ProxyToolName(name)); got != name {
			t.Errorf("round trip %q: got %q", name, got)
		}
	}
}

func TestStaticKeyBroker_ClonesHeaders(t *testing.T) {
	broker := NewStaticKeyBroker(map[string]http.Header{
		"anthropic": {"X-Api-Key": []string{"sk-test"}},
	})

	headers, err := broker.Headers(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	headers.Set("X-Api-Key", "mutated")

	again, _ := broker.Headers(context.Background(), "anthropic")
	if again.Get("X-Api-Key") != "sk-test" {
		t.Error("broker state leaked through returned headers")
	}

	missing, err := broker.Headers(context.Background(), "unknown")
	if err != nil || len(missing) != 0 {
		t.Errorf("unknown provider: got %v, %v", missing, err)
	}
}

type fakeTokenSource struct {
	calls int
	token string
}

func (s *fakeTokenSource) Token(context.Context) (string, time.Time, error) {
	s.calls++
	return s.token, time.Now().Add(time.Hour), nil
}

func TestTokenBroker_CachesUntilExpiry(t *testing.T) {
	source := &fakeTokenSource{token: "tok-1"}
	broker := NewTokenBroker(source)

	for range 3 {
		headers, err := broker.Headers(context.Background(), "anthropic")
		if err != nil {
			t.Fatalf("Headers: %v", err)
		}
		if headers.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("authorization: got %q", headers.Get("Authorization"))
		}
	}
	if source.calls != 1 {
		t.Errorf("token source calls: got %d, want 1", source.calls)
	}
}

func TestSession_ProxiesToolNamesBothWays(t *testing.T) {
	var upstream struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&upstream); err != nil {
			t.Errorf("decode upstream request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude-test",
			"role": "assistant",
			"content": [{"type": "tool_use", "id": "toolu_1", "name": "proxy_lookup", "input": {"q": "x"}}],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 5, "output_tokens": 3}
		}`))
	}))
	defer server.Close()

	session := NewSession(NewStaticKeyBroker(nil), server.Client(), server.URL, "anthropic")
	req := &ir.Request{
		Model:    "claude-test",
		Messages: []ir.Message{{Role: ir.RoleUser, Content: ir.Str("weather?")}},
		Tools:    []ir.ToolDecl{{Name: "lookup"}},
	}

	resp, err := session.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(upstream.Tools) != 1 || upstream.Tools[0].Name != "proxy_lookup" {
		t.Errorf("upstream tool names: got %+v", upstream.Tools)
	}
	if req.Tools[0].Name != "lookup" {
		t.Errorf("caller request mutated: %+v", req.Tools)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("response tool names not unproxied: %+v", resp.ToolCalls)
	}
}
