package pkce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// CookiePrefix prefixes the name of every PKCE cookie; the state completes it.
const CookiePrefix = "sonar_pkce_"

// errNoExchange is returned when a CookieStore is used outside a request
// bound with WithHTTP.
var errNoExchange = errors.New("pkce cookie store used without an HTTP exchange in context")

type exchangeKey struct{}

// exchange is the request/response pair a CookieStore reads and writes.
type exchange struct {
	w http.ResponseWriter
	r *http.Request

	mu      sync.Mutex
	cleared map[string]bool
}

// WithHTTP binds the current request and response writer to ctx so a
// CookieStore can carry entries in cookies.
func WithHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request) context.Context {
	return context.WithValue(ctx, exchangeKey{}, &exchange{w: w, r: r, cleared: make(map[string]bool)})
}

func exchangeFrom(ctx context.Context) (*exchange, error) {
	ex, ok := ctx.Value(exchangeKey{}).(*exchange)
	if !ok {
		return nil, errNoExchange
	}
	return ex, nil
}

// cookiePayload is the encrypted cookie content. State is repeated inside
// so a payload cannot be replayed under another cookie name.
type cookiePayload struct {
	State string `json:"state"`
	Entry
}

// CookieStore carries each entry in the browser as a JWE-encrypted cookie
// (dir + A256GCM). No server-side state is kept, so any instance can serve
// the callback.
type CookieStore struct {
	opts   options
	key    []byte
	secure bool
}

// NewCookieStore creates a cookie-backed store. key must be 32 bytes.
func NewCookieStore(key []byte, secure bool, opts ...Option) (*CookieStore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cookie key must be 32 bytes, got %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &CookieStore{opts: newOptions(opts), key: k, secure: secure}, nil
}

// Put encrypts the entry into a cookie named CookiePrefix+state.
func (s *CookieStore) Put(ctx context.Context, state, ownerID, codeVerifier string) error {
	ex, err := exchangeFrom(ctx)
	if err != nil {
		return err
	}
	if !ValidState(state) {
		return fmt.Errorf("state is not usable as a cookie name")
	}

	value, err := s.seal(&cookiePayload{State: state, Entry: *s.opts.newEntry(ownerID, codeVerifier)})
	if err != nil {
		return err
	}

	ex.mu.Lock()
	delete(ex.cleared, state)
	ex.mu.Unlock()

	http.SetCookie(ex.w, s.cookie(state, value, int(s.opts.ttl/time.Second)))
	return nil
}

// Get decrypts the cookie for state. Undecryptable cookies read as absent.
func (s *CookieStore) Get(ctx context.Context, state string) (*Entry, error) {
	ex, err := exchangeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if !ValidState(state) {
		return nil, ErrNotFound
	}

	ex.mu.Lock()
	cleared := ex.cleared[state]
	ex.mu.Unlock()
	if cleared {
		return nil, ErrNotFound
	}

	c, err := ex.r.Cookie(CookiePrefix + state)
	if err != nil {
		return nil, ErrNotFound
	}

	payload, err := s.open(c.Value)
	if err != nil || payload.State != state {
		return nil, ErrNotFound
	}

	if s.opts.expired(&payload.Entry) {
		if err := s.Clear(ctx, state); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	entry := payload.Entry
	return &entry, nil
}

// Clear expires the cookie for state. Later reads in the same request see
// the entry as absent.
func (s *CookieStore) Clear(ctx context.Context, state string) error {
	ex, err := exchangeFrom(ctx)
	if err != nil {
		return err
	}
	if !ValidState(state) {
		return nil
	}

	ex.mu.Lock()
	ex.cleared[state] = true
	ex.mu.Unlock()

	http.SetCookie(ex.w, s.cookie(state, "", -1))
	return nil
}

func (s *CookieStore) cookie(state, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookiePrefix + state,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *CookieStore) seal(p *cookiePayload) (string, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pkce entry: %w", err)
	}

	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: s.key}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}

	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt pkce entry: %w", err)
	}

	return obj.CompactSerialize()
}

func (s *CookieStore) open(value string) (*cookiePayload, error) {
	obj, err := jose.ParseEncrypted(value, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, fmt.Errorf("failed to parse pkce cookie: %w", err)
	}

	plaintext, err := obj.Decrypt(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt pkce cookie: %w", err)
	}

	var p cookiePayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pkce cookie: %w", err)
	}
	return &p, nil
}
