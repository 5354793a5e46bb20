package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("open", "evaluating")
	m.Escrow("hold", 100, nil)
	m.Badge("top-pro")
	m.Rating(5)
	m.PublishError("nats")
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Transition("scheduled", "in_progress")
	m.Escrow("release", 10000, nil)
	m.Escrow("release", 10000, errors.New("gateway down"))
	m.Badge("top-pro")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("scheduled", "in_progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escrowOps.WithLabelValues("release", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escrowOps.WithLabelValues("release", "error")))
	assert.Equal(t, 10000.0, testutil.ToFloat64(m.escrowCents.WithLabelValues("release")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "valeconecta_badges_awarded_total")
}
