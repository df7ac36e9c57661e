package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const SessionCookie = "session_id"

// ErrNoCredentials means the request carried neither a bearer token nor a session cookie.
var ErrNoCredentials = errors.New("no credentials")

type sessionGetter interface {
	Get(ctx context.Context, id string) (Session, error)
}

// Authenticator resolves a request to an Identity from a bearer JWT or, when a
// session store is configured, a session cookie.
type Authenticator struct {
	JWT      *JWT
	Sessions sessionGetter // optional
	Users    *Users
}

// Authenticate returns ErrNoCredentials, ErrInvalidToken or ErrSessionNotFound for
// callers that are not logged in; any other error is a backend failure.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	uid, err := a.userID(r)
	if err != nil {
		return Identity{}, err
	}

	u, err := a.Users.Get(r.Context(), uid)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, err
	}
	return Identity{UserID: u.ID, IsAdmin: u.IsAdmin}, nil
}

func (a *Authenticator) userID(r *http.Request) (uint64, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return 0, ErrInvalidToken
		}
		return a.JWT.Verify(strings.TrimPrefix(h, "Bearer "))
	}

	if a.Sessions != nil {
		if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
			sess, err := a.Sessions.Get(r.Context(), c.Value)
			if err != nil {
				return 0, err
			}
			return sess.UserID, nil
		}
	}
	return 0, ErrNoCredentials
}

// IsUnauthenticated reports whether err means "not logged in" rather than a backend failure.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrSessionNotFound)
}
