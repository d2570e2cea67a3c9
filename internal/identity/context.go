package identity

import "context"

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	if id == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity bound to ctx, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

// BearerFromContext returns the bearer token of the identity bound to
// ctx, or "".
func BearerFromContext(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id.Token
	}
	return ""
}
