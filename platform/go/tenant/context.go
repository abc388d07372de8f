// Package tenant carries the resolved current tenant through a request.
// The ambient tenant is always explicit context state attached by middleware,
// never a process-wide singleton.
package tenant

import "context"

// Space captures the routing identity of the tenant a request belongs to.
// It is attached to the context once the tenant has been resolved from the
// request host.
type Space struct {
	ID      string
	Domains []string
}

type ctxKey struct{}

// WithSpace returns a derived context carrying the tenant Space.
func WithSpace(ctx context.Context, space Space) context.Context {
	return context.WithValue(ctx, ctxKey{}, space)
}

// FromContext extracts the tenant Space and a boolean indicating presence.
func FromContext(ctx context.Context) (Space, bool) {
	space, ok := ctx.Value(ctxKey{}).(Space)
	return space, ok
}
