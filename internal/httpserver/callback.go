package httpserver

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/autherr"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/oauthflow"
)

// handleCallback completes the authorization code flow started by
// handleAuthorize. Browsers asking for HTML get a page that sends them home
// after a short delay; everyone else gets JSON.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := oauthflow.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	slog.Info("callback received", // #nosec G706 -- only boolean values logged, no injection risk
		"request_id", requestID(r.Context()),
		"code_present", params.Code != "",
		"state_present", params.State != "",
		"error_present", params.Error != "",
	)

	err := s.callback(r, params)
	if wantsHTML(r) {
		if err != nil {
			e := autherr.From(err)
			if e.Kind == autherr.KindInternal {
				slog.Error("callback failed", "request_id", requestID(r.Context()), "error", err)
			}
			s.renderError(w, e.HTTPStatus(), callbackMessage(e, params), e.Body().Details)
			return
		}
		s.renderSuccess(w, "Your Sonar account is now connected.")
		return
	}

	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) callback(r *http.Request, params oauthflow.CallbackParams) error {
	sess, err := s.currentSession(r)
	if err != nil {
		return err
	}
	return s.deps.Flow.Callback(r.Context(), sess, params)
}

// callbackMessage is the sentence shown on the HTML error page.
func callbackMessage(e *autherr.Error, p oauthflow.CallbackParams) string {
	switch e.Kind {
	case autherr.KindOAuthProvider:
		if p.ErrorDescription != "" {
			return "Authorization failed: " + p.ErrorDescription
		}
		return "Authorization failed: " + p.Error
	case autherr.KindInvalidState:
		return "This authorization link has expired. Please try connecting again."
	case autherr.KindSessionMismatch:
		return "This authorization was started from a different session. Please try connecting again."
	case autherr.KindUnauthorized:
		return "Your session has expired. Please sign in and try again."
	default:
		return e.Body().Error
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
