package httpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/autherr"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/gateway"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/session"
)

type gatewayCall func(ctx context.Context, sess *session.Session, req gateway.Request) (json.RawMessage, error)

// proxy adapts a gateway operation to a POST handler. The response body
// is Sonar's JSON, passed through unchanged.
func (s *Server) proxy(call gatewayCall) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.currentSession(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if sess == nil {
			s.writeError(w, r, autherr.Unauthorized("Unauthorized"))
			return
		}

		var req gateway.Request
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		res, err := call(r.Context(), sess, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeRawJSON(w, http.StatusOK, res)
	}
}
