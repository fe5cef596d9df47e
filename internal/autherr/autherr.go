// Package autherr defines the error taxonomy shared by the OAuth flow
// controller and the authenticated API gateway.
//
// Every failure that reaches the HTTP layer is an *Error. The Kind decides
// the HTTP status and whether the message may be shown to the client.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	KindUnauthorized
	KindSonarNotConnected
	KindInvalidRequest
	KindInvalidState
	KindSessionMismatch
	KindOAuthProvider
	KindOAuthExchange
	KindRemoteAPI
)

var kindNames = map[Kind]string{
	KindInternal:          "internal_error",
	KindUnauthorized:      "unauthorized",
	KindSonarNotConnected: "sonar_not_connected",
	KindInvalidRequest:    "invalid_request",
	KindInvalidState:      "invalid_state",
	KindSessionMismatch:   "session_mismatch",
	KindOAuthProvider:     "oauth_provider_error",
	KindOAuthExchange:     "oauth_exchange_error",
	KindRemoteAPI:         "remote_api_error",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Message is safe to return to the client.
	Message string
	// Details carries extra client-visible context (provider error codes,
	// exchange failure text). Empty for internal errors.
	Details string
	// RemoteStatus is the HTTP status reported by the remote API (KindRemoteAPI only).
	RemoteStatus int
	// Err is the underlying cause. Never rendered to the client.
	Err error
}

// Sentinels for errors.Is. They compare by Kind only.
var (
	ErrInternal          = &Error{Kind: KindInternal}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrSonarNotConnected = &Error{Kind: KindSonarNotConnected}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrSessionMismatch   = &Error{Kind: KindSessionMismatch}
	ErrOAuthProvider     = &Error{Kind: KindOAuthProvider}
	ErrOAuthExchange     = &Error{Kind: KindOAuthExchange}
	ErrRemoteAPI         = &Error{Kind: KindRemoteAPI}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus maps the kind to the status code returned to the client.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthorized, KindSonarNotConnected, KindSessionMismatch:
		return http.StatusUnauthorized
	case KindInvalidRequest, KindInvalidState, KindOAuthProvider:
		return http.StatusBadRequest
	case KindRemoteAPI:
		if e.RemoteStatus >= 400 && e.RemoteStatus <= 599 {
			return e.RemoteStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Unauthorized reports a missing session or a Sonar link that requires
// re-authentication.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

// SonarNotConnected reports a valid session without stored Sonar tokens.
func SonarNotConnected() *Error {
	return &Error{Kind: KindSonarNotConnected, Message: "Sonar account not connected"}
}

// InvalidRequest reports malformed input.
func InvalidRequest(details string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: "Missing required parameters", Details: details}
}

// InvalidState reports an unknown or expired OAuth state.
func InvalidState() *Error {
	return &Error{
		Kind:    KindInvalidState,
		Message: "Invalid state",
		Details: "OAuth state token not found or expired",
	}
}

// SessionMismatch reports a state that belongs to another session.
func SessionMismatch() *Error {
	return &Error{
		Kind:    KindSessionMismatch,
		Message: "Invalid session",
		Details: "State token does not match current session",
	}
}

// OAuthProvider reports an error returned by the authorization server on redirect.
func OAuthProvider(code string) *Error {
	return &Error{Kind: KindOAuthProvider, Message: "OAuth authorization failed", Details: code}
}

// OAuthExchange reports a failed code-for-token exchange.
func OAuthExchange(err error) *Error {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &Error{Kind: KindOAuthExchange, Message: "OAuth callback failed", Details: details, Err: err}
}

// RemoteAPI reports a failed Sonar API call.
func RemoteAPI(status int, message string) *Error {
	return &Error{Kind: KindRemoteAPI, Message: message, RemoteStatus: status}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "Internal server error", Err: err}
}

// From returns err as an *Error, classifying unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the Kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	return From(err).Kind
}

// Body is the JSON error response rendered to clients.
type Body struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Body returns the client-facing representation. Internal errors never
// expose their cause.
func (e *Error) Body() Body {
	if e.Kind == KindInternal {
		return Body{Error: "Internal server error"}
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	return Body{Error: msg, Details: e.Details}
}
