package auth

import (
	"context"

	"gitea.jw6.us/james/calsync/internal/store"
)

type contextKey string

const contextKeyUser contextKey = "remote_user"

// WithUser stores the remote user a request acts on.
func WithUser(ctx context.Context, user *store.RemoteUser) context.Context {
	return context.WithValue(ctx, contextKeyUser, user)
}

func UserFromContext(ctx context.Context) (*store.RemoteUser, bool) {
	u, ok := ctx.Value(contextKeyUser).(*store.RemoteUser)
	return u, ok
}
