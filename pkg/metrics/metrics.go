// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
//
// すべてのメソッドはnilレシーバーで呼び出しても何もしない。
// メトリクスを必要としないテストやツールではnilを渡せばよい。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

// Metrics はRPC呼び出しとブローカー接続のメトリクス。
type Metrics struct {
	// calls は呼び出し結果ごとの件数。
	calls *prometheus.CounterVec
	// callDuration は呼び出しの所要時間。
	callDuration *prometheus.HistogramVec
	// pending は応答待ちの呼び出し数。
	pending prometheus.Gauge
	// reconnects は再接続試行の件数。
	reconnects *prometheus.CounterVec
	// connectionUp はエンドポイントごとの接続状態（1: 接続中）。
	connectionUp *prometheus.GaugeVec
	// lateReplies は対応する呼び出しが存在しない応答の件数。
	lateReplies prometheus.Counter
}

// New はメトリクスを生成し、指定のレジストリに登録する。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Total number of RPC calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "RPC call latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending_calls",
			Help:      "Number of calls awaiting a reply.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connect_attempts_total",
			Help:      "Broker connection attempts by endpoint and result.",
		}, []string{"endpoint", "result"}),
		connectionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connection_up",
			Help:      "Whether the broker connection for an endpoint is up.",
		}, []string{"endpoint"}),
		lateReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_unmatched_replies_total",
			Help:      "Replies discarded because no pending call matched.",
		}),
	}
	reg.MustRegister(m.calls, m.callDuration, m.pending, m.reconnects, m.connectionUp, m.lateReplies)
	return m
}

// ObserveCall は呼び出し1件の結果と所要時間を記録する。
func (m *Metrics) ObserveCall(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(endpoint, outcome).Inc()
	m.callDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetPending は応答待ちの呼び出し数を記録する。
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ConnectAttempt は接続試行の結果を記録する。
func (m *Metrics) ConnectAttempt(endpoint string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.reconnects.WithLabelValues(endpoint, result).Inc()
}

// SetConnectionUp はエンドポイントの接続状態を記録する。
func (m *Metrics) SetConnectionUp(endpoint string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.connectionUp.WithLabelValues(endpoint).Set(v)
}

// UnmatchedReply は対応する呼び出しがない応答を1件記録する。
func (m *Metrics) UnmatchedReply() {
	if m == nil {
		return
	}
	m.lateReplies.Inc()
}
