package connmgr

import (
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/metrics"
)

// options はManagerの設定。
type options struct {
	failFast       bool
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
	randomization  float64
	dialTimeout    time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// defaultOptions は既定の設定を返す。
func defaultOptions() options {
	return options{
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		multiplier:     2,
		randomization:  0.5,
		dialTimeout:    10 * time.Second,
		logger:         zap.NewNop(),
	}
}

// Option はManagerの設定を変更する。
type Option func(*options)

// WithFailFast は再接続中のAcquireChannelを待たせずに失敗させる。
func WithFailFast(enabled bool) Option {
	return func(o *options) {
		o.failFast = enabled
	}
}

// WithMaxAttempts は1回の再接続ループでの最大試行回数を設定する。0以下なら無制限。
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// WithBackoff は再接続間隔の初期値と上限を設定する。
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.initialBackoff = initial
		}
		if maxInterval > 0 {
			o.maxBackoff = maxInterval
		}
	}
}

// WithDialTimeout は1回の接続試行のタイムアウトを設定する。
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithLogger はログ出力先を設定する。
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
