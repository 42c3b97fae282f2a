package auth

import (
	"context"
	"errors"
)

type ctxKey struct{}

var ErrNoIdentity = errors.New("auth: user_id not in context")

func WithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

func UserID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxKey{}).(string); ok && s != "" {
		return s, nil
	}
	return "", ErrNoIdentity
}
