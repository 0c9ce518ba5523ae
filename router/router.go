// Package router resolves client-facing model aliases to upstream
// provider targets. The core consumes the Router contract only; the
// bundled implementation is a static alias table with round-robin
// selection across multiple targets per alias.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/leofalp/relay/ir"
	"github.com/leofalp/relay/protocol"
)

// ErrUnknownAlias reports a model alias absent from the routing table.
// Callers translate it to a 404.
var ErrUnknownAlias = errors.New("router: unknown model alias")

// Target is a resolved upstream destination for one request.
type Target struct {
	// Provider names the upstream account (key into provider config).
	Provider string
	// ProviderModelID is the model name the upstream expects.
	ProviderModelID string
	// EgressAPIType selects the transformer used to talk upstream.
	EgressAPIType protocol.APIType
	// EndpointOverride replaces the transformer's default path when set.
	EndpointOverride string
	// PricingHint is opaque passthrough for the usage sink.
	PricingHint string
}

// Router maps an IR request (and the wire format it arrived in) to a
// target. The core neither caches nor retries resolution.
type Router interface {
	Resolve(ctx context.Context, req *ir.Request, ingress protocol.APIType) (*Target, error)
}

// aliasEntry holds the targets of one alias and the rotation cursor.
type aliasEntry struct {
	targets []Target
	next    atomic.Uint64
}

// AliasRouter is a static table router. Aliases with several targets are
// served round-robin; the rotation state is per alias and safe for
// concurrent use.
type AliasRouter struct {
	aliases map[string]*aliasEntry
}

// NewAliasRouter builds a router from an alias table. Aliases with no
// targets are dropped.
func NewAliasRouter(aliases map[string][]Target) *AliasRouter {
	r := &AliasRouter{aliases: make(map[string]*aliasEntry, len(aliases))}
	for alias, targets := range aliases {
		if len(targets) == 0 {
			continue
		}
		r.aliases[alias] = &aliasEntry{targets: targets}
	}
	return r
}

// Resolve picks the next target for the request's model alias.
func (r *AliasRouter) Resolve(_ context.Context, req *ir.Request, _ protocol.APIType) (*Target, error) {
	entry, ok := r.aliases[req.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, req.Model)
	}
	index := (entry.next.Add(1) - 1) % uint64(len(entry.targets))
	target := entry.targets[index]
	return &target, nil
}

// Aliases lists the configured alias names, for diagnostics.
func (r *AliasRouter) Aliases() []string {
	names := make([]string, 0, len(r.aliases))
	for name := range r.aliases {
		names = append(names, name)
	}
	return names
}
