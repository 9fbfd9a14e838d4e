package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/router"
)

// RouterMetrics records request, shard, handshake and pool metrics. It implements
// router.Observer, session.HandshakeObserver and shard.PoolObserver.
type RouterMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	mergedResponses prometheus.Histogram
	shardOutcomes   *prometheus.CounterVec
	shardDuration   *prometheus.HistogramVec
	handshakes      *prometheus.CounterVec
	handshakeTime   prometheus.Histogram
	poolSize        prometheus.Gauge
}

func NewRouterMetrics(namespace string, reg prometheus.Registerer) (*RouterMetrics, error) {
	m := &RouterMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client queries by result.",
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Client query latency by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		mergedResponses: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merged_responses",
			Help:      "Shard responses merged per successful query.",
			Buckets:   prometheus.LinearBuckets(1, 4, 16),
		}),
		shardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_outcomes_total",
			Help:      "Per-shard query outcomes.",
		}, []string{"shard", "outcome"}),
		shardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shard_query_duration_seconds",
			Help:      "Per-shard query latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"shard"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Attested session handshakes by shard and result.",
		}, []string{"shard", "result"}),
		handshakeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Handshake latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_pool_size",
			Help:      "Number of registered shards.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.requests, m.requestDuration, m.mergedResponses,
		m.shardOutcomes, m.shardDuration,
		m.handshakes, m.handshakeTime, m.poolSize,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *RouterMetrics) ObserveRequest(result string, responses int, duration time.Duration) {
	m.requests.WithLabelValues(result).Inc()
	m.requestDuration.WithLabelValues(result).Observe(duration.Seconds())
	if responses > 0 {
		m.mergedResponses.Observe(float64(responses))
	}
}

func (m *RouterMetrics) ObserveShardOutcome(shard interfaces.ShardID, outcome router.Outcome, duration time.Duration) {
	m.shardOutcomes.WithLabelValues(string(shard), string(outcome)).Inc()
	m.shardDuration.WithLabelValues(string(shard)).Observe(duration.Seconds())
}

func (m *RouterMetrics) ObserveHandshake(shard interfaces.ShardID, result string, duration time.Duration) {
	m.handshakes.WithLabelValues(string(shard), result).Inc()
	m.handshakeTime.Observe(duration.Seconds())
}

func (m *RouterMetrics) ObservePoolSize(size int) {
	m.poolSize.Set(float64(size))
}
