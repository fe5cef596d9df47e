package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/sonar"
	"github.com/al-bashkir/sonar-oauth-gateway/internal/tokenstore"
)

// fakeRefresher counts calls and optionally blocks until released.
type fakeRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	grant   func(n int32, refreshToken string) (*sonar.Grant, error)
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{
		started: make(chan struct{}, 100),
		grant: func(n int32, _ string) (*sonar.Grant, error) {
			return &sonar.Grant{
				AccessToken:  fmt.Sprintf("AT%d", n+1),
				RefreshToken: fmt.Sprintf("RT%d", n+1),
				ExpiresIn:    3600,
			}, nil
		},
	}
}

func (f *fakeRefresher) RefreshTokens(ctx context.Context, refreshToken string) (*sonar.Grant, error) {
	n := f.calls.Add(1)
	f.started <- struct{}{}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.grant(n, refreshToken)
}

var testNow = time.Unix(1_700_000_000, 0)

func expired() tokenstore.Tokens {
	return tokenstore.Tokens{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: testNow.Unix() - 60}
}

func setup(t *testing.T, refresher *fakeRefresher) (*Coordinator, tokenstore.Store) {
	t.Helper()
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "owner", expired()))
	return New(store, refresher, WithClock(func() time.Time { return testNow })), store
}

func TestRefreshPersistsNewTokens(t *testing.T) {
	refresher := newFakeRefresher()
	coord, store := setup(t, refresher)

	got, err := coord.Refresh(context.Background(), "owner", expired())
	require.NoError(t, err)

	want := tokenstore.Tokens{AccessToken: "AT2", RefreshToken: "RT2", ExpiresAt: testNow.Unix() + 3600}
	assert.Equal(t, want, *got)

	stored, err := store.Get(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, want, *stored)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.release = make(chan struct{})
	coord, store := setup(t, refresher)

	const callers = 10
	results := make([]*tokenstore.Tokens, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Refresh(context.Background(), "owner", expired())
		}(i)
	}

	<-refresher.started
	time.Sleep(50 * time.Millisecond)
	close(refresher.release)
	wg.Wait()

	assert.Equal(t, int32(1), refresher.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "AT2", results[i].AccessToken)
		assert.Equal(t, "RT2", results[i].RefreshToken)
	}

	stored, err := store.Get(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, "AT2", stored.AccessToken)
}

func TestRefreshSkipsAlreadyRotatedTokens(t *testing.T) {
	refresher := newFakeRefresher()
	coord, store := setup(t, refresher)

	rotated := tokenstore.Tokens{AccessToken: "ATx", RefreshToken: "RTx", ExpiresAt: testNow.Unix() + 3600}
	require.NoError(t, store.Set(context.Background(), "owner", rotated))

	got, err := coord.Refresh(context.Background(), "owner", expired())
	require.NoError(t, err)
	assert.Equal(t, rotated, *got)
	assert.Zero(t, refresher.calls.Load())
}

func TestRefreshFailureClearsTokens(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.grant = func(int32, string) (*sonar.Grant, error) {
		return nil, &sonar.TokenError{Status: 400, Code: "invalid_grant"}
	}
	coord, store := setup(t, refresher)

	_, err := coord.Refresh(context.Background(), "owner", expired())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)

	var te *sonar.TokenError
	assert.ErrorAs(t, err, &te)

	_, err = store.Get(context.Background(), "owner")
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)

	// No retry: a later refresh fails without reaching the endpoint.
	_, err = coord.Refresh(context.Background(), "owner", expired())
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestConcurrentRefreshFailureReachesAllWaiters(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.release = make(chan struct{})
	refresher.grant = func(int32, string) (*sonar.Grant, error) {
		return nil, errors.New("connection reset")
	}
	coord, _ := setup(t, refresher)

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := coord.Refresh(context.Background(), "owner", expired())
			errs <- err
		}()
	}

	<-refresher.started
	time.Sleep(50 * time.Millisecond)
	close(refresher.release)

	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, <-errs, ErrRefreshFailed)
	}
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.grant = func(int32, string) (*sonar.Grant, error) {
		return &sonar.Grant{AccessToken: "AT2"}, nil
	}
	coord, _ := setup(t, refresher)

	got, err := coord.Refresh(context.Background(), "owner", expired())
	require.NoError(t, err)
	assert.Equal(t, "RT1", got.RefreshToken)
	assert.Equal(t, testNow.Unix()+tokenstore.DefaultExpiresIn, got.ExpiresAt)
}

func TestCanceledCallerDoesNotAbortFlight(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.release = make(chan struct{})
	coord, store := setup(t, refresher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coord.Refresh(ctx, "owner", expired())
		done <- err
	}()

	<-refresher.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(refresher.release)
	assert.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), "owner")
		return err == nil && got.AccessToken == "AT2"
	}, time.Second, 10*time.Millisecond)
}

func TestOwnersRefreshIndependently(t *testing.T) {
	refresher := newFakeRefresher()
	coord, store := setup(t, refresher)
	require.NoError(t, store.Set(context.Background(), "other", expired()))

	_, err := coord.Refresh(context.Background(), "owner", expired())
	require.NoError(t, err)
	_, err = coord.Refresh(context.Background(), "other", expired())
	require.NoError(t, err)

	assert.Equal(t, int32(2), refresher.calls.Load())
}
