package apperr

import (
	"net/http"

	"github.com/goccy/go-json"

	"plexwrapped/internal/logging"
)

// Envelope is the body of every error response.
type Envelope struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// EnvelopeFor builds the sanitized envelope for err.
func EnvelopeFor(err error) Envelope {
	return Envelope{Code: CodeOf(err), Message: PublicMessage(err)}
}

// Write logs err under the operation tag op and writes its sanitized envelope.
// Client errors are logged at debug level; 5xx at error level.
func Write(w http.ResponseWriter, r *http.Request, op string, err error) {
	env := EnvelopeFor(err)
	status := StatusOf(env.Code)

	l := logging.Ctx(r.Context())
	ev := l.Debug()
	if status >= http.StatusInternalServerError {
		ev = l.Error()
	}
	ev.Err(err).
		Str("op", op).
		Str("code", string(env.Code)).
		Int("status", status).
		Str("path", r.URL.Path).
		Msg("request failed")

	WriteEnvelope(w, status, env)
}

// WriteEnvelope writes env with the given status and no logging.
func WriteEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
