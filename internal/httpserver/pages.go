package httpserver

import (
	"log/slog"
	"net/http"
)

type pageData struct {
	Message string
	Details string
	HomeURL string
	Delay   int
}

func (s *Server) page(message, details string) pageData {
	return pageData{
		Message: message,
		Details: details,
		HomeURL: s.cfg.Auth.HomeURL,
		Delay:   s.cfg.Auth.CallbackRedirectDelay,
	}
}

// renderSuccess renders the success page
func (s *Server) renderSuccess(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if err := s.templates.ExecuteTemplate(w, "success.html", s.page(message, "")); err != nil {
		slog.Error("failed to render success template", "error", err)
	}
}

// renderError renders the error page with status
func (s *Server) renderError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := s.templates.ExecuteTemplate(w, "error.html", s.page(message, details)); err != nil {
		slog.Error("failed to render error template", "error", err)
	}
}
