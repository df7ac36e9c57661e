package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/auth"
	"plexwrapped/internal/jobs"
)

type dispatcher interface {
	Dispatch(ctx context.Context, key jobs.Key) (jobs.Outcome, error)
}

type jobReader interface {
	Status(ctx context.Context, key jobs.Key) (jobs.Snapshot, error)
	ListPeriod(ctx context.Context, period string) ([]jobs.Snapshot, error)
}

type subjectLookup interface {
	Get(ctx context.Context, id uint64) (auth.User, error)
}

// WrappedHandler serves report generation and status, for the caller's own
// subject and, on admin routes, for any subject.
type WrappedHandler struct {
	Dispatcher dispatcher
	Jobs       jobReader
	Users      subjectLookup
}

type dispatchResp struct {
	Accepted        bool `json:"accepted,omitempty"`
	AlreadyInFlight bool `json:"alreadyInFlight,omitempty"`
}

type statusResp struct {
	SubjectID  string          `json:"subjectId,omitempty"`
	Status     jobs.Status     `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

func toStatusResp(s jobs.Snapshot) statusResp {
	resp := statusResp{Status: s.Status, StartedAt: s.StartedAt, FinishedAt: s.FinishedAt}
	if res, ok := s.Result(); ok {
		resp.Result = res
	}
	if msg, ok := s.Failure(); ok {
		resp.Error = msg
	}
	return resp
}

func (h *WrappedHandler) Generate(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	h.dispatch(w, r, "wrapped.generate", jobs.Key{SubjectID: id.SubjectID(), Period: chi.URLParam(r, "period")})
}

func (h *WrappedHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	h.status(w, r, "wrapped.status", jobs.Key{SubjectID: id.SubjectID(), Period: chi.URLParam(r, "period")})
}

func (h *WrappedHandler) AdminGenerate(w http.ResponseWriter, r *http.Request) {
	key, err := h.adminKey(r)
	if err != nil {
		apperr.Write(w, r, "admin.wrapped.generate", err)
		return
	}
	h.dispatch(w, r, "admin.wrapped.generate", key)
}

func (h *WrappedHandler) AdminStatus(w http.ResponseWriter, r *http.Request) {
	key, err := h.adminKey(r)
	if err != nil {
		apperr.Write(w, r, "admin.wrapped.status", err)
		return
	}
	h.status(w, r, "admin.wrapped.status", key)
}

func (h *WrappedHandler) AdminList(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Jobs.ListPeriod(r.Context(), chi.URLParam(r, "period"))
	if err != nil {
		if jobs.IsInvalidInput(err) {
			err = apperr.Wrap(err, apperr.CodeValidation, "period must be a four digit year")
		}
		apperr.Write(w, r, "admin.wrapped.list", err)
		return
	}

	out := make([]statusResp, 0, len(snaps))
	for _, s := range snaps {
		resp := toStatusResp(s)
		resp.SubjectID = s.Key.SubjectID
		// report bodies are only served by the status route
		resp.Result = nil
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// adminKey resolves the path subject; it must be an existing account.
func (h *WrappedHandler) adminKey(r *http.Request) (jobs.Key, error) {
	key := jobs.Key{SubjectID: chi.URLParam(r, "subjectID"), Period: chi.URLParam(r, "period")}
	if err := key.Validate(); err != nil {
		return jobs.Key{}, apperr.Wrap(err, apperr.CodeValidation, "invalid subject or period")
	}
	uid, err := strconv.ParseUint(key.SubjectID, 10, 64)
	if err != nil {
		return jobs.Key{}, apperr.NotFound("subject not found")
	}
	if _, err := h.Users.Get(r.Context(), uid); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return jobs.Key{}, apperr.NotFound("subject not found")
		}
		return jobs.Key{}, err
	}
	return key, nil
}

func (h *WrappedHandler) dispatch(w http.ResponseWriter, r *http.Request, op string, key jobs.Key) {
	out, err := h.Dispatcher.Dispatch(r.Context(), key)
	if err != nil {
		apperr.Write(w, r, op, err)
		return
	}
	if out == jobs.AlreadyInFlight {
		writeJSON(w, http.StatusOK, dispatchResp{AlreadyInFlight: true})
		return
	}
	writeJSON(w, http.StatusAccepted, dispatchResp{Accepted: true})
}

func (h *WrappedHandler) status(w http.ResponseWriter, r *http.Request, op string, key jobs.Key) {
	snap, err := h.Jobs.Status(r.Context(), key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toStatusResp(snap))
	case jobs.IsInvalidInput(err):
		apperr.Write(w, r, op, apperr.Wrap(err, apperr.CodeValidation, "invalid subject or period"))
	case errors.Is(err, jobs.ErrNotFound):
		apperr.Write(w, r, op, apperr.NotFound("no report has been generated for this period"))
	default:
		apperr.Write(w, r, op, err)
	}
}
