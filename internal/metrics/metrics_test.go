package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRegisterOnOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.InstanceStarted("acme", "purchase_order")
	m.InstanceStarted("acme", "purchase_order")
	m.Decision("approved")
	m.Conflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.InstancesStarted.WithLabelValues("acme", "purchase_order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CASConflicts))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.InstanceStarted("acme", "invoice")
	m.RelayFailed("log")
	m.RecordHTTPRequest("GET", "/v1/health", "200", 0.01)
}
