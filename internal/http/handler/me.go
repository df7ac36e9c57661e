package handler

import (
	"net/http"

	"plexwrapped/internal/auth"
)

type MeHandler struct{}

func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  id.UserID,
		"is_admin": id.IsAdmin,
	})
}
