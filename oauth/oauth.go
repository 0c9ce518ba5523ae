// Package oauth holds the credential-broker boundary and the session
// adapter used when a provider is reached with OAuth tokens instead of a
// static API key. Tool-name proxying lives here too: the prefix exists
// only to keep client tool names from colliding with the reserved names
// of the provider-side agent surface, so it is applied and removed at
// this boundary and never leaks into the core.
package oauth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ProxyToolPrefix namespaces client tool names on the OAuth path.
const ProxyToolPrefix = "proxy_"

// Broker supplies the headers needed to reach a provider. Implementations
// must be safe for concurrent use; the core calls Headers synchronously
// before every upstream dispatch.
type Broker interface {
	Headers(ctx context.Context, providerID string) (http.Header, error)
}

// StaticKeyBroker serves fixed API keys from configuration. Keys map
// provider id to the full header set for that provider.
type StaticKeyBroker struct {
	headers map[string]http.Header
}

// NewStaticKeyBroker builds a broker over per-provider header sets.
func NewStaticKeyBroker(headers map[string]http.Header) *StaticKeyBroker {
	return &StaticKeyBroker{headers: headers}
}

func (b *StaticKeyBroker) Headers(_ context.Context, providerID string) (http.Header, error) {
	src, ok := b.headers[providerID]
	if !ok {
		return http.Header{}, nil
	}
	return src.Clone(), nil
}

// TokenSource produces a bearer token, refreshing it when needed.
type TokenSource interface {
	Token(ctx context.Context) (string, time.Time, error)
}

// TokenBroker caches a bearer token per provider and re-requests it from
// the source shortly before expiry.
type TokenBroker struct {
	source TokenSource

	mu      sync.Mutex
	token   string
	expires time.Time
}

// refreshMargin renews tokens this long before they expire.
const refreshMargin = 30 * time.Second

// NewTokenBroker wraps a token source.
func NewTokenBroker(source TokenSource) *TokenBroker {
	return &TokenBroker{source: source}
}

func (b *TokenBroker) Headers(ctx context.Context, _ string) (http.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token == "" || time.Now().After(b.expires.Add(-refreshMargin)) {
		token, expires, err := b.source.Token(ctx)
		if err != nil {
			return nil, err
		}
		b.token = token
		b.expires = expires
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+b.token)
	return headers, nil
}

// ProxyToolName applies the namespace prefix. Already-prefixed names pass
// through unchanged, so the transform is fixed under iteration.
func ProxyToolName(name string) string {
	if strings.HasPrefix(name, ProxyToolPrefix) {
		return name
	}
	return ProxyToolPrefix + name
}

// UnproxyToolName strips the namespace prefix if present.
func UnproxyToolName(name string) string {
	return strings.TrimPrefix(name, ProxyToolPrefix)
}
