package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/auth"
)

type AuthHandler struct {
	Users *auth.Users
	JWT   *auth.JWT
	// Sessions is optional; when set, login also issues a session cookie.
	Sessions     *auth.SessionStore
	SecureCookie bool
}

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResp struct {
	Token   string `json:"token"`
	UserID  uint64 `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.Write(w, r, "auth.register", err)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") || len(req.Password) < 8 {
		apperr.Write(w, r, "auth.register", apperr.Validation("a valid email and a password of at least 8 characters are required"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		apperr.Write(w, r, "auth.register", err)
		return
	}

	u, err := h.Users.Create(r.Context(), req.Email, hash)
	if errors.Is(err, auth.ErrEmailTaken) {
		apperr.Write(w, r, "auth.register", apperr.Conflict("email already used"))
		return
	}
	if err != nil {
		apperr.Write(w, r, "auth.register", err)
		return
	}

	h.issue(w, r, "auth.register", u, http.StatusCreated)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.Write(w, r, "auth.login", err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		apperr.Write(w, r, "auth.login", apperr.Validation("email and password are required"))
		return
	}

	u, err := h.Users.ByEmail(r.Context(), req.Email)
	if errors.Is(err, auth.ErrUserNotFound) || (err == nil && !auth.ComparePassword(u.PasswordHash, req.Password)) {
		apperr.Write(w, r, "auth.login", apperr.New(apperr.CodeUnauthenticated, "invalid credentials"))
		return
	}
	if err != nil {
		apperr.Write(w, r, "auth.login", err)
		return
	}

	h.issue(w, r, "auth.login", u, http.StatusOK)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if h.Sessions != nil {
		if c, err := r.Cookie(auth.SessionCookie); err == nil {
			if err := h.Sessions.Delete(r.Context(), c.Value); err != nil {
				apperr.Write(w, r, "auth.logout", err)
				return
			}
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) issue(w http.ResponseWriter, r *http.Request, op string, u auth.User, status int) {
	token, err := h.JWT.Sign(u.ID)
	if err != nil {
		apperr.Write(w, r, op, err)
		return
	}

	if h.Sessions != nil {
		sess, err := h.Sessions.Create(r.Context(), u.ID)
		if err != nil {
			apperr.Write(w, r, op, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     auth.SessionCookie,
			Value:    sess.ID,
			Path:     "/",
			Expires:  sess.ExpiresAt,
			MaxAge:   int(time.Until(sess.ExpiresAt).Seconds()),
			HttpOnly: true,
			Secure:   h.SecureCookie,
			SameSite: http.SameSiteLaxMode,
		})
	}

	writeJSON(w, status, tokenResp{Token: token, UserID: u.ID, IsAdmin: u.IsAdmin})
}
