// Package metrics holds the prometheus collectors shared by the keeper engine.
//
// Collectors are registered on an injected Registerer. All methods are safe to call on a
// nil *Metrics, which is what components use when metrics are disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keeper"

type Metrics struct {
	gasPriceGwei   prometheus.Gauge
	gasPriceFetch  *prometheus.CounterVec
	txSubmissions  *prometheus.CounterVec
	txSendAttempts prometheus.Histogram
	eventChunks    *prometheus.CounterVec
	eventRetries   prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves them unregistered,
// which is convenient in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		gasPriceGwei: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gasprice",
			Name:      "fast_gwei",
			Help:      "Cached fast gas price in gwei.",
		}),
		gasPriceFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gasprice",
			Name:      "fetch_total",
			Help:      "Gas price source fetches by source and result.",
		}, []string{"source", "result"}),
		txSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "submissions_total",
			Help:      "Transaction submissions by terminal state.",
		}, []string{"state"}),
		txSendAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "send_attempts",
			Help:      "Broadcast attempts used per submission that reached the send phase.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8},
		}),
		eventChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "chunk_requests_total",
			Help:      "Block range chunk lookups by result (hit, miss, error).",
		}, []string{"result"}),
		eventRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "query_retries_total",
			Help:      "Whole-operation retries of event queries.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.gasPriceGwei, m.gasPriceFetch, m.txSubmissions, m.txSendAttempts, m.eventChunks, m.eventRetries,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) SetGasPrice(gwei float64) {
	if m == nil {
		return
	}
	m.gasPriceGwei.Set(gwei)
}

func (m *Metrics) GasPriceFetch(source string, ok bool) {
	if m == nil {
		return
	}
	m.gasPriceFetch.WithLabelValues(source, result(ok)).Inc()
}

func (m *Metrics) TxSubmission(state string) {
	if m == nil {
		return
	}
	m.txSubmissions.WithLabelValues(state).Inc()
}

func (m *Metrics) TxSendAttempts(n int) {
	if m == nil {
		return
	}
	m.txSendAttempts.Observe(float64(n))
}

func (m *Metrics) EventChunk(res string) {
	if m == nil {
		return
	}
	m.eventChunks.WithLabelValues(res).Inc()
}

func (m *Metrics) EventRetry() {
	if m == nil {
		return
	}
	m.eventRetries.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
