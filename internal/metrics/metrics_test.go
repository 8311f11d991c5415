package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetGasPrice(42.5)
	m.GasPriceFetch("primary", true)
	m.GasPriceFetch("primary", false)
	m.GasPriceFetch("primary", false)
	m.TxSubmission("MINED")
	m.EventChunk("hit")
	m.EventRetry()

	assert.Equal(t, 42.5, testutil.ToFloat64(m.gasPriceGwei))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.gasPriceFetch.WithLabelValues("primary", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.txSubmissions.WithLabelValues("MINED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventChunks.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventRetries))
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetGasPrice(1)
		m.GasPriceFetch("backup", true)
		m.TxSubmission("CALL_FAILED")
		m.TxSendAttempts(3)
		m.EventChunk("miss")
		m.EventRetry()
	})
}
