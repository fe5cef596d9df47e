package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/autherr"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/session"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

func errorBody(msg string) autherr.Body {
	return autherr.Body{Error: msg}
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode response", "error", err)
	}
}

// writeRawJSON writes a body that is already JSON.
func writeRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeError renders err with the status of its kind. Internal causes are
// logged here and never sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := autherr.From(err)
	if e.Kind == autherr.KindInternal {
		slog.Error("request failed", // #nosec G706 -- values sanitized via sanitizeLog
			"request_id", requestID(r.Context()),
			"path", sanitizeLog(r.URL.Path),
			"error", err,
		)
	}
	writeJSON(w, e.HTTPStatus(), e.Body())
}

// currentSession resolves the caller's session from its cookie. A missing,
// unknown or expired session yields nil without error.
func (s *Server) currentSession(r *http.Request) (*session.Session, error) {
	id := s.cookies.Read(r)
	if id == "" {
		return nil, nil
	}
	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, nil
		}
		return nil, autherr.Internal(err)
	}
	return sess, nil
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		e := autherr.InvalidRequest("Invalid JSON body")
		e.Err = err
		return e
	}
	return nil
}
