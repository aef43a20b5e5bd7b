package audit

import "context"

type ctxKey int

const metaKey ctxKey = 0

// ReqMeta is request context attached to events recorded during a call.
type ReqMeta struct {
	IP        string
	UserAgent string
}

// WithMeta attaches request metadata to a context.
func WithMeta(ctx context.Context, m ReqMeta) context.Context {
	return context.WithValue(ctx, metaKey, m)
}

// MetaFrom extracts request metadata from a context, if any.
func MetaFrom(ctx context.Context) ReqMeta {
	if m, ok := ctx.Value(metaKey).(ReqMeta); ok {
		return m
	}
	return ReqMeta{}
}
