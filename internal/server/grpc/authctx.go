package grpcserver

import "context"

type ctxKey string

const identityKey ctxKey = "copydeck.identity"

// Identity is the caller resolved by AuthUnary. An empty Username means anonymous mode.
type Identity struct {
	Username string
	UserID   string
}

// Anonymous reports whether the call runs without a session user.
func (id Identity) Anonymous() bool { return id.Username == "" }

// WithIdentity stores the caller in context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the caller from context.
func IdentityFromCtx(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
