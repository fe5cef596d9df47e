package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/autherr"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/refresh"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/session"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/sonar"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/tokenstore"
)

var testNow = time.Unix(1_700_000_000, 0)

// mockSonarAPI records bearer tokens and answers per operation.
type mockSonarAPI struct {
	mu      sync.Mutex
	bearers []string
	bodies  map[string]string
	status  map[string]int
}

func (m *mockSonarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/externalapi.")
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.bearers = append(m.bearers, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if m.bodies == nil {
		m.bodies = map[string]string{}
	}
	m.bodies[op] = string(body)
	status := m.status[op]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"message":"%s failed","stack":"internal detail"}`, op)
		return
	}
	_, _ = fmt.Fprintf(w, `{"Operation":%q}`, op)
}

func (m *mockSonarAPI) setStatus(op string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		m.status = map[string]int{}
	}
	m.status[op] = status
}

func (m *mockSonarAPI) seenBearers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bearers...)
}

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (r *countingRefresher) RefreshTokens(_ context.Context, refreshToken string) (*sonar.Grant, error) {
	n := r.calls.Add(1)
	// Widen the window in which concurrent callers observe the expired set.
	time.Sleep(20 * time.Millisecond)
	if r.err != nil {
		return nil, r.err
	}
	return &sonar.Grant{AccessToken: fmt.Sprintf("AT%d", n+1), RefreshToken: refreshToken + "-rotated", ExpiresIn: 3600}, nil
}

type fixture struct {
	gw        *Gateway
	api       *mockSonarAPI
	tokens    *tokenstore.MemoryStore
	refresher *countingRefresher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := &mockSonarAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	now := func() time.Time { return testNow }
	tokens := tokenstore.NewMemoryStore()
	refresher := &countingRefresher{}
	coord := refresh.New(tokens, refresher, refresh.WithClock(now))

	return &fixture{
		gw:        New(sonar.NewAPI(srv.URL, srv.Client()), tokens, coord, WithClock(now)),
		api:       api,
		tokens:    tokens,
		refresher: refresher,
	}
}

func (f *fixture) connect(t *testing.T, ownerID string, expiresAt int64) {
	t.Helper()
	require.NoError(t, f.tokens.Set(context.Background(), ownerID, tokenstore.Tokens{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresAt:    expiresAt,
	}))
}

var (
	alice    = &session.Session{ID: "session-alice"}
	purchase = Request{SaleUUID: "sale-1", EntityID: "entity-1", WalletAddress: "0xabc"}
)

func TestOperationsUseStoredToken(t *testing.T) {
	f := newFixture(t)
	f.connect(t, alice.ID, testNow.Unix()+3600)
	ctx := context.Background()

	tests := []struct {
		name string
		op   string
		call func() (json.RawMessage, error)
	}{
		{"entities", sonar.OpListAvailableEntities, func() (json.RawMessage, error) {
			return f.gw.ListAvailableEntities(ctx, alice, Request{SaleUUID: "sale-1"})
		}},
		{"entity", sonar.OpReadEntity, func() (json.RawMessage, error) {
			return f.gw.ReadEntity(ctx, alice, Request{SaleUUID: "sale-1", WalletAddress: "0xabc"})
		}},
		{"pre-purchase check", sonar.OpPrePurchaseCheck, func() (json.RawMessage, error) {
			return f.gw.PrePurchaseCheck(ctx, alice, purchase)
		}},
		{"permit", sonar.OpGenerateSalePurchasePermit, func() (json.RawMessage, error) {
			return f.gw.GeneratePurchasePermit(ctx, alice, purchase)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.call()
			require.NoError(t, err)
			assert.JSONEq(t, fmt.Sprintf(`{"Operation":%q}`, tt.op), string(res))
		})
	}

	for _, b := range f.api.seenBearers() {
		assert.Equal(t, "AT1", b)
	}
	assert.Zero(t, f.refresher.calls.Load())
	assert.JSONEq(t, `{"SaleUUID":"sale-1","EntityID":"entity-1","WalletAddress":"0xabc"}`, f.api.bodies[sonar.OpPrePurchaseCheck])
}

func TestPreflightOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gw.ReadEntity(ctx, nil, Request{})
	assert.ErrorIs(t, err, autherr.ErrUnauthorized, "session is checked before parameters")

	_, err = f.gw.ReadEntity(ctx, alice, Request{SaleUUID: "sale-1"})
	assert.ErrorIs(t, err, autherr.ErrInvalidRequest)

	_, err = f.gw.PrePurchaseCheck(ctx, alice, Request{SaleUUID: "sale-1", WalletAddress: "0xabc"})
	assert.ErrorIs(t, err, autherr.ErrInvalidRequest)

	_, err = f.gw.ListAvailableEntities(ctx, alice, Request{})
	assert.ErrorIs(t, err, autherr.ErrInvalidRequest)

	_, err = f.gw.GeneratePurchasePermit(ctx, alice, purchase)
	assert.ErrorIs(t, err, autherr.ErrSonarNotConnected)

	assert.Empty(t, f.api.seenBearers())
}

func TestConcurrentCallsRefreshOnce(t *testing.T) {
	f := newFixture(t)
	f.connect(t, alice.ID, testNow.Unix()-10)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.gw.ListAvailableEntities(context.Background(), alice, Request{SaleUUID: "sale-1"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.refresher.calls.Load())

	bearers := f.api.seenBearers()
	require.Len(t, bearers, callers)
	for _, b := range bearers {
		assert.Equal(t, "AT2", b)
	}

	stored, err := f.tokens.Get(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "AT2", stored.AccessToken)
	assert.Equal(t, "RT1-rotated", stored.RefreshToken)
	assert.Equal(t, testNow.Unix()+3600, stored.ExpiresAt)
}

func TestRefreshWithinMargin(t *testing.T) {
	f := newFixture(t)
	f.connect(t, alice.ID, testNow.Unix()+299)

	_, err := f.gw.ListAvailableEntities(context.Background(), alice, Request{SaleUUID: "sale-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Equal(t, []string{"AT2"}, f.api.seenBearers())
}

func TestRefreshFailureClearsTokens(t *testing.T) {
	f := newFixture(t)
	f.refresher.err = &sonar.TokenError{Status: http.StatusBadRequest, Code: "invalid_grant"}
	f.connect(t, alice.ID, testNow.Unix()-10)
	ctx := context.Background()

	_, err := f.gw.ReadEntity(ctx, alice, Request{SaleUUID: "sale-1", WalletAddress: "0xabc"})
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
	assert.Equal(t, "Failed to refresh token", autherr.From(err).Message)

	_, err = f.gw.ReadEntity(ctx, alice, Request{SaleUUID: "sale-1", WalletAddress: "0xabc"})
	assert.ErrorIs(t, err, autherr.ErrSonarNotConnected)

	assert.Equal(t, int32(1), f.refresher.calls.Load(), "a failed refresh is not retried")
	assert.Empty(t, f.api.seenBearers())
}

func TestReadEntityNotFoundIsNoEntity(t *testing.T) {
	f := newFixture(t)
	f.connect(t, alice.ID, testNow.Unix()+3600)
	f.api.setStatus(sonar.OpReadEntity, http.StatusNotFound)
	f.api.setStatus(sonar.OpPrePurchaseCheck, http.StatusNotFound)
	ctx := context.Background()

	res, err := f.gw.ReadEntity(ctx, alice, Request{SaleUUID: "sale-1", WalletAddress: "0xabc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Entity":null}`, string(res))

	_, err = f.gw.PrePurchaseCheck(ctx, alice, purchase)
	require.ErrorIs(t, err, autherr.ErrRemoteAPI)
	e := autherr.From(err)
	assert.Equal(t, http.StatusNotFound, e.HTTPStatus())
	assert.Equal(t, "PrePurchaseCheck failed", e.Message)
	assert.NotContains(t, e.Error(), "internal detail")
}

func TestRemoteUnauthorizedClearsTokens(t *testing.T) {
	f := newFixture(t)
	f.connect(t, alice.ID, testNow.Unix()+3600)
	f.api.setStatus(sonar.OpListAvailableEntities, http.StatusUnauthorized)
	ctx := context.Background()

	_, err := f.gw.ListAvailableEntities(ctx, alice, Request{SaleUUID: "sale-1"})
	require.ErrorIs(t, err, autherr.ErrUnauthorized)

	_, err = f.tokens.Get(ctx, alice.ID)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)

	_, err = f.gw.ListAvailableEntities(ctx, alice, Request{SaleUUID: "sale-1"})
	assert.ErrorIs(t, err, autherr.ErrSonarNotConnected)
	assert.Len(t, f.api.seenBearers(), 1)
}

func TestRemoteErrorStatusPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.connect(t, alice.ID, testNow.Unix()+3600)
	f.api.setStatus(sonar.OpGenerateSalePurchasePermit, http.StatusForbidden)

	_, err := f.gw.GeneratePurchasePermit(context.Background(), alice, purchase)
	require.ErrorIs(t, err, autherr.ErrRemoteAPI)
	assert.Equal(t, http.StatusForbidden, autherr.From(err).HTTPStatus())

	// Tokens survive non-401 failures.
	_, err = f.tokens.Get(context.Background(), alice.ID)
	assert.NoError(t, err)
}

func TestUnreachableAPI(t *testing.T) {
	tokens := tokenstore.NewMemoryStore()
	require.NoError(t, tokens.Set(context.Background(), alice.ID, tokenstore.Tokens{
		AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: testNow.Unix() + 3600,
	}))

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gw := New(sonar.NewAPI(url, nil), tokens, refresh.New(tokens, &countingRefresher{}),
		WithClock(func() time.Time { return testNow }))

	_, err := gw.ListAvailableEntities(context.Background(), alice, Request{SaleUUID: "sale-1"})
	require.ErrorIs(t, err, autherr.ErrRemoteAPI)
	assert.Equal(t, http.StatusBadGateway, autherr.From(err).HTTPStatus())
}

type brokenStore struct{ tokenstore.Store }

func (brokenStore) Get(context.Context, string) (*tokenstore.Tokens, error) {
	return nil, errors.New("redis: connection refused")
}

func TestTokenStoreFailureIsInternal(t *testing.T) {
	gw := New(sonar.NewAPI("http://127.0.0.1:0", nil), brokenStore{}, nil)

	_, err := gw.ListAvailableEntities(context.Background(), alice, Request{SaleUUID: "sale-1"})
	require.ErrorIs(t, err, autherr.ErrInternal)
	assert.Equal(t, "Internal server error", autherr.From(err).Body().Error)
}
