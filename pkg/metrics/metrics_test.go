package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticHealth Health

func (s staticHealth) Health() Health { return Health(s) }

func TestMetricsCreation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ConnectionsActive.Set(3)
	m.ProposalOutcomes.WithLabelValues("rejected", "timeout").Inc()
	m.SendFull.Add(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProposalOutcomes.WithLabelValues("rejected", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SendFull))

	// a second set on the same registry collides
	assert.Panics(t, func() { New(registry) })
	assert.NotPanics(t, func() { Discard(); Discard() })
}

func TestHealthEndpoints(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.CircuitsActive.Set(1)

	mux := http.NewServeMux()
	source := staticHealth{NodeID: "alpha", Ready: true, Connections: 2, Circuits: 1}
	NewHealthEndpoint(source, registry, zaptest.NewLogger(t)).RegisterHandlers(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got Health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "alpha", got.NodeID)
	assert.Equal(t, 2, got.Connections)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "circuitmesh_circuits_active 1"))

	notReady := http.NewServeMux()
	NewHealthEndpoint(staticHealth{}, registry, nil).RegisterHandlers(notReady)
	rec = httptest.NewRecorder()
	notReady.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	notReady.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
