package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/auth"
)

type UsersHandler struct {
	Users *auth.Users
}

type userView struct {
	ID          uint64    `json:"id"`
	Email       string    `json:"email"`
	IsAdmin     bool      `json:"is_admin"`
	MediaUserID *string   `json:"media_user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func toUserView(u auth.User) userView {
	return userView{ID: u.ID, Email: u.Email, IsAdmin: u.IsAdmin, MediaUserID: u.MediaUserID, CreatedAt: u.CreatedAt}
}

type patchUserReq struct {
	IsAdmin     *bool   `json:"is_admin"`
	MediaUserID *string `json:"media_user_id"`
}

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Users.List(r.Context())
	if err != nil {
		apperr.Write(w, r, "admin.users.list", err)
		return
	}
	out := make([]userView, 0, len(list))
	for _, u := range list {
		out = append(out, toUserView(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (h *UsersHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		apperr.Write(w, r, "admin.users.patch", apperr.Validation("invalid user id"))
		return
	}
	var req patchUserReq
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.Write(w, r, "admin.users.patch", err)
		return
	}

	u, err := h.Users.Update(r.Context(), id, auth.UserPatch{IsAdmin: req.IsAdmin, MediaUserID: req.MediaUserID})
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		apperr.Write(w, r, "admin.users.patch", apperr.NotFound("user not found"))
	case errors.Is(err, auth.ErrLastAdmin):
		apperr.Write(w, r, "admin.users.patch", apperr.Conflict("cannot remove the last administrator"))
	case err != nil:
		apperr.Write(w, r, "admin.users.patch", err)
	default:
		writeJSON(w, http.StatusOK, toUserView(u))
	}
}
