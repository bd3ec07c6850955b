package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	r := NewPrometheusRecorder(nil)

	labels := map[string]string{"network": "bsc-testnet", "reason": "PAYMENT_EXPIRED"}
	r.IncCounter("verify_failed", labels)
	r.IncCounter("verify_failed", labels)
	r.ObserveLatency("verify", 15*time.Millisecond, labels)
	r.SetGauge("daily_spend", 1.5, labels)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.counters.WithLabelValues("verify_failed", "bsc-testnet", "PAYMENT_EXPIRED")))
	assert.Equal(t, 1.5, testutil.ToFloat64(r.gauges.WithLabelValues("daily_spend", "bsc-testnet")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "q402_events_total")
	assert.Contains(t, string(body), "q402_latency_seconds")
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncCounter("x", nil)
	r.ObserveLatency("x", time.Second, nil)
	r.SetGauge("x", 1, nil)
}
