package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spg/metrics"
)

// TestNormalizePath verifies numeric segments collapse to :id.
func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/users/:id", metrics.NormalizePath("/users/123"))
	assert.Equal(t, "/users/:id/orders/:id", metrics.NormalizePath("/users/42/orders/7"))
	assert.Equal(t, "/static/app.js", metrics.NormalizePath("/static/app.js"))
}

func findMetricFamily(t *testing.T, name string) *io_prometheus_client.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

// TestRecordRequest verifies the counter registers and increments.
func TestRecordRequest(t *testing.T) {
	metrics.InitMetrics()
	metrics.RecordRequest("GET", "/users/99", 200, 0.05)

	family := findMetricFamily(t, "spg_http_requests_total")
	require.NotNil(t, family)

	found := false
	for _, metric := range family.GetMetric() {
		labels := map[string]string{}
		for _, pair := range metric.GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		if labels["method"] == "GET" && labels["normalized_path"] == "/users/:id" && labels["status_code"] == "200" {
			found = true
			assert.GreaterOrEqual(t, metric.GetCounter().GetValue(), 1.0)
		}
	}
	assert.True(t, found)
}

// TestRecordDataTransferred verifies byte accounting skips non-positive
// counts.
func TestRecordDataTransferred(t *testing.T) {
	metrics.InitMetrics()
	before := inboundBytes(t)
	metrics.RecordDataTransferred("inbound", 128)
	metrics.RecordDataTransferred("inbound", 0)
	metrics.RecordDataTransferred("inbound", -5)

	family := findMetricFamily(t, "spg_data_transferred_bytes_total")
	require.NotNil(t, family)
	assert.Equal(t, before+128, inboundBytes(t))
}

func inboundBytes(t *testing.T) float64 {
	t.Helper()
	family := findMetricFamily(t, "spg_data_transferred_bytes_total")
	if family == nil {
		return 0
	}
	for _, metric := range family.GetMetric() {
		for _, pair := range metric.GetLabel() {
			if pair.GetName() == "direction" && pair.GetValue() == "inbound" {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
