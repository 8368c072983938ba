package bus

import "context"

// HeaderPropagator injects cross-process context, such as a trace parent, into the
// headers of an outgoing message. Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// HeaderPropagatorFunc adapts a plain function to HeaderPropagator.
type HeaderPropagatorFunc func(ctx context.Context, headers map[string]string)

func (f HeaderPropagatorFunc) Inject(ctx context.Context, headers map[string]string) { f(ctx, headers) }

type headersKey struct{}

// ContextWithHeaders returns ctx carrying the headers of an inbound delivery.
func ContextWithHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, headersKey{}, headers)
}

// HeadersFromContext returns the delivery headers stored by ContextWithHeaders, or nil.
func HeadersFromContext(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headersKey{}).(map[string]string)
	return h
}
