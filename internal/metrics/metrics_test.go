package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()

	m.Authorization(ResultSuccess)
	m.Authorization(ResultFailure)
	m.Authorization(ResultSuccess)
	m.Refresh(ResultShared)
	m.RemoteCall("ReadEntity", OutcomeNotFound)

	body := scrape(t, m)
	assert.Contains(t, body, `sonar_gateway_authorizations_total{result="success"} 2`)
	assert.Contains(t, body, `sonar_gateway_authorizations_total{result="failure"} 1`)
	assert.Contains(t, body, `sonar_gateway_token_refreshes_total{result="shared"} 1`)
	assert.Contains(t, body, `sonar_gateway_remote_calls_total{operation="ReadEntity",outcome="not_found"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Authorization(ResultSuccess)
		m.Refresh(ResultFailure)
		m.RemoteCall("ReadEntity", OutcomeOK)
	})
}

func TestHandlerIncludesRuntimeCollectors(t *testing.T) {
	m := New()
	body := scrape(t, m)
	assert.Contains(t, body, "go_goroutines")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
