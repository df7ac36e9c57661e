package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/datatypes"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/integrations"
)

type IntegrationsHandler struct {
	Svc *integrations.Service
}

type upsertIntegrationReq struct {
	URL        string         `json:"url"`
	APIKey     *string        `json:"api_key"`
	Enabled    bool           `json:"enabled"`
	MediaTypes []string       `json:"media_types"`
	Options    datatypes.JSON `json:"options"`
}

func (h *IntegrationsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Svc.List(r.Context())
	if err != nil {
		apperr.Write(w, r, "admin.integrations.list", err)
		return
	}
	out := make([]integrations.View, 0, len(list))
	for _, s := range list {
		out = append(out, s.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": out})
}

func (h *IntegrationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.Get(r.Context(), integrations.Name(chi.URLParam(r, "service")))
	if err != nil {
		apperr.Write(w, r, "admin.integrations.get", integrationErr(err))
		return
	}
	writeJSON(w, http.StatusOK, st.View())
}

func (h *IntegrationsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req upsertIntegrationReq
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.Write(w, r, "admin.integrations.put", err)
		return
	}
	if string(req.Options) == "null" {
		req.Options = nil
	}
	if len(req.Options) > 0 && req.Options[0] != '{' {
		apperr.Write(w, r, "admin.integrations.put", apperr.Validation("options must be a JSON object"))
		return
	}

	st, err := h.Svc.Upsert(r.Context(), integrations.Name(chi.URLParam(r, "service")), integrations.UpsertInput{
		URL:        req.URL,
		APIKey:     req.APIKey,
		Enabled:    req.Enabled,
		MediaTypes: req.MediaTypes,
		Options:    req.Options,
	})
	if err != nil {
		apperr.Write(w, r, "admin.integrations.put", integrationErr(err))
		return
	}
	writeJSON(w, http.StatusOK, st.View())
}

func (h *IntegrationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Delete(r.Context(), integrations.Name(chi.URLParam(r, "service"))); err != nil {
		apperr.Write(w, r, "admin.integrations.delete", integrationErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func integrationErr(err error) error {
	switch {
	case errors.Is(err, integrations.ErrUnknownService):
		return apperr.NotFound("unknown integration")
	case errors.Is(err, integrations.ErrNotFound):
		return apperr.NotFound("integration not configured")
	case errors.Is(err, integrations.ErrInvalidSetting):
		return apperr.Wrap(err, apperr.CodeValidation, err.Error())
	}
	return err
}
