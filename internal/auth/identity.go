package auth

import (
	"context"
	"strconv"
)

// Identity is the authenticated caller as seen by handlers. IsAdmin is read from
// the users table on every request, never from the token.
type Identity struct {
	UserID  uint64
	IsAdmin bool
}

// SubjectID is the opaque report subject for this caller.
func (i Identity) SubjectID() string { return strconv.FormatUint(i.UserID, 10) }

type ctxKey string

const identityKey ctxKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
