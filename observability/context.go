package observability

import "context"

type observerContextKey struct{}

// WithObserver returns a context carrying the given observer.
func WithObserver(ctx context.Context, observer Observer) context.Context {
	return context.WithValue(ctx, observerContextKey{}, observer)
}

// FromContext extracts the observer from the context. It never returns nil:
// when no observer was attached, a no-op implementation is returned so call
// sites need no nil checks.
func FromContext(ctx context.Context) Observer {
	if observer, ok := ctx.Value(observerContextKey{}).(Observer); ok && observer != nil {
		return observer
	}
	return NopObserver{}
}

// NopObserver discards every observation.
type NopObserver struct{}

func (NopObserver) Trace(context.Context, string, ...Attribute) {}
func (NopObserver) Debug(context.Context, string, ...Attribute) {}
func (NopObserver) Info(context.Context, string, ...Attribute)  {}
func (NopObserver) Warn(context.Context, string, ...Attribute)  {}
func (NopObserver) Error(context.Context, string, ...Attribute) {}
