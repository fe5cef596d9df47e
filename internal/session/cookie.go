package session

import (
	"net/http"
	"time"
)

// CookieName is the name of the session cookie.
const CookieName = "session_id"

// Cookies issues and reads the session cookie.
type Cookies struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

// NewCookies returns the cookie settings for the session cookie.
func NewCookies(maxAge time.Duration, secure bool) *Cookies {
	return &Cookies{Name: CookieName, MaxAge: maxAge, Secure: secure}
}

// Issue sets the session cookie on the response.
func (c *Cookies) Issue(w http.ResponseWriter, sess *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   int(c.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Read returns the session id carried by the request, or "" when absent.
func (c *Cookies) Read(r *http.Request) string {
	cookie, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Expire removes the session cookie from the browser.
func (c *Cookies) Expire(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
