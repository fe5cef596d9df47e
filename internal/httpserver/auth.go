package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/autherr"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/config"
)

type loginResponse struct {
	SessionID string `json:"sessionId"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// handleLogin creates a session and sets its cookie. An existing session of
// the caller is replaced.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if old, err := s.currentSession(r); err == nil && old != nil {
		if err := s.deps.Flow.Disconnect(r.Context(), old); err != nil {
			slog.Warn("failed to clear tokens of replaced session", "session", fingerprint(old.ID), "error", err)
		}
		if err := s.deps.Sessions.Delete(r.Context(), old.ID); err != nil {
			slog.Warn("failed to delete replaced session", "session", fingerprint(old.ID), "error", err)
		}
	}

	sess, err := s.deps.Sessions.Create(r.Context())
	if err != nil {
		s.writeError(w, r, autherr.Internal(err))
		return
	}

	s.cookies.Issue(w, sess)
	slog.Info("session created", "request_id", requestID(r.Context()), "session", fingerprint(sess.ID))
	writeJSON(w, http.StatusOK, loginResponse{SessionID: sess.ID})
}

// handleLogout destroys the session and its tokens. Logging out without a
// session succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if sess != nil {
		if err := s.deps.Flow.Disconnect(r.Context(), sess); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.deps.Sessions.Delete(r.Context(), sess.ID); err != nil {
			s.writeError(w, r, autherr.Internal(err))
			return
		}
		slog.Info("session destroyed", "request_id", requestID(r.Context()), "session", fingerprint(sess.ID))
	}

	s.cookies.Expire(w)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status, err := s.deps.Flow.Status(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAuthorize starts a Sonar authorization. GET redirects the browser
// unless auth.authorize_mode is json; POST always answers {url}.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	auth, err := s.deps.Flow.Start(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.Method == http.MethodGet && s.cfg.Auth.AuthorizeMode != config.AuthorizeModeJSON {
		http.Redirect(w, r, auth.URL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.deps.Flow.Disconnect(r.Context(), sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
