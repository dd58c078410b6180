package rpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/connmgr"
	"github.com/nao1215/micro/pkg/correlation"
	"github.com/nao1215/micro/pkg/metrics"
	"github.com/nao1215/micro/pkg/rpcerr"
)

// DefaultTimeout は呼び出し時にタイムアウトが指定されなかった場合の既定値。
const DefaultTimeout = 5 * time.Second

// ChannelSource は送信ハンドルを提供する。*connmgr.Managerが満たす。
type ChannelSource interface {
	AcquireChannel(ctx context.Context, endpoint string) (*connmgr.Channel, error)
}

// Client はブローカー経由でリクエストを送り、相関IDで応答を待つRPCクライアント。
type Client struct {
	conns    ChannelSource
	registry *correlation.Registry

	defaultTimeout time.Duration
	newID          func() string
	logger         *zap.Logger
	metrics        *metrics.Metrics

	mu       sync.Mutex
	draining bool
	inflight int
	idle     chan struct{}
	idleOnce sync.Once
}

// ClientOption はClientの設定を変更する。
type ClientOption func(*Client)

// WithDefaultTimeout は既定のタイムアウトを設定する。
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithIDGenerator は相関IDの生成関数を差し替える。
func WithIDGenerator(fn func() string) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithClientLogger はログ出力先を設定する。
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientMetrics はメトリクスの記録先を設定する。
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient はRPCクライアントを生成する。
// registryの応答はReplyHandlerを接続マネージャーに渡すことで届けられる。
func NewClient(conns ChannelSource, registry *correlation.Registry, opts ...ClientOption) *Client {
	c := &Client{
		conns:          conns,
		registry:       registry,
		defaultTimeout: DefaultTimeout,
		newID:          uuid.NewString,
		logger:         zap.NewNop(),
		idle:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// callOptions は1回の呼び出しの追加設定。
type callOptions struct {
	pattern string
	headers map[string]string
}

// CallOption は1回の呼び出しの設定を変更する。
type CallOption func(*callOptions)

// WithPattern は下流サービスが処理を振り分けるパターンを設定する。
func WithPattern(pattern string) CallOption {
	return func(o *callOptions) {
		o.pattern = pattern
	}
}

// WithHeader はリクエストにヘッダーを追加する。
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithHeaders はリクエストに複数のヘッダーを追加する。
func WithHeaders(headers map[string]string) CallOption {
	return func(o *callOptions) {
		if len(headers) == 0 {
			return
		}
		if o.headers == nil {
			o.headers = make(map[string]string, len(headers))
		}
		maps.Copy(o.headers, headers)
	}
}

// Call はendpointのqueueへpayloadを送り、応答ボディを返す。
//
// timeoutが0以下の場合は既定のタイムアウトを使う。
// 下流サービスがエラーを返した場合は*rpcerr.RemoteError、
// 待機中に接続が失われた場合は*rpcerr.ConnectionError、
// 期限切れはrpcerr.ErrTimeout、ctxの終了はrpcerr.ErrCancelledを返す。
// 送信済みのリクエストは取り消さない。
func (c *Client) Call(ctx context.Context, endpoint, queue string, payload []byte, timeout time.Duration, opts ...CallOption) ([]byte, error) {
	if !c.begin() {
		c.metrics.ObserveCall(endpoint, outcomeDraining, 0)
		return nil, rpcerr.ErrDraining
	}
	defer c.end()

	start := time.Now()
	body, err := c.call(ctx, endpoint, queue, payload, timeout, opts)
	c.metrics.ObserveCall(endpoint, outcome(err), time.Since(start))
	return body, err
}

// call はCallの本体。
func (c *Client) call(ctx context.Context, endpoint, queue string, payload []byte, timeout time.Duration, opts []CallOption) ([]byte, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	deadline := time.Now().Add(timeout)

	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	ch, err := c.conns.AcquireChannel(acquireCtx, endpoint)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", rpcerr.ErrCancelled, ctx.Err())
		}
		return nil, err
	}

	id := c.newID()
	pending, err := c.registry.Register(id, deadline)
	if err != nil {
		return nil, err
	}

	msg := &broker.Message{
		Subject:       queue,
		CorrelationID: id,
		ReplyTo:       ch.ReplyTo(),
		Pattern:       co.pattern,
		Headers:       co.headers,
		Body:          payload,
	}
	if err := ch.Publish(ctx, msg); err != nil {
		c.registry.Abort(pending, err)
		return nil, fmt.Errorf("リクエストの送信に失敗: %w", err)
	}

	go c.watchLoss(ch, pending)

	res, err := c.registry.Wait(ctx, pending)
	if err != nil {
		if errors.Is(err, rpcerr.ErrTimeout) {
			c.logger.Warn("応答待ちがタイムアウトしました",
				zap.String("endpoint", endpoint),
				zap.String("queue", queue),
				zap.String("correlation_id", id),
				zap.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("%s (%s): %w", endpoint, timeout, err)
		}
		return nil, err
	}
	if res.Failed {
		return nil, rpcerr.ParseRemote(endpoint, res.Body)
	}
	return res.Body, nil
}

// watchLoss は応答待ちの間に接続が失われたら呼び出しを接続エラーで確定させる。
func (c *Client) watchLoss(ch *connmgr.Channel, pending *correlation.PendingCall) {
	select {
	case <-pending.Done():
	case <-ch.Lost():
		err := rpcerr.NewConnectionError(ch.Endpoint(), broker.ErrConnClosed)
		if c.registry.Abort(pending, err) {
			c.logger.Warn("応答待ちの間にブローカー接続が失われました",
				zap.String("endpoint", ch.Endpoint()),
				zap.String("correlation_id", pending.CorrelationID),
			)
		}
	}
}

// Drain は新しい呼び出しの受け付けを止め、処理中の呼び出しが終わるまで待つ。
// ctxが先に終了した場合は残っている件数を含むエラーを返す。
func (c *Client) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	n := c.inflight
	c.mu.Unlock()

	if n == 0 {
		return nil
	}
	c.logger.Info("処理中の呼び出しの完了を待機します", zap.Int("inflight", n))
	select {
	case <-c.idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("処理中の呼び出しが %d 件残っています: %w", c.Inflight(), ctx.Err())
	}
}

// Inflight は処理中の呼び出し数を返す。
func (c *Client) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// begin は呼び出しの開始を記録する。Drain後はfalseを返す。
func (c *Client) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return false
	}
	c.inflight++
	return true
}

// end は呼び出しの終了を記録する。
func (c *Client) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.draining && c.inflight == 0 {
		c.idleOnce.Do(func() { close(c.idle) })
	}
}

// 呼び出し結果のメトリクスラベル。
const (
	outcomeOK         = "ok"
	outcomeRemote     = "remote_error"
	outcomeTimeout    = "timeout"
	outcomeCancelled  = "cancelled"
	outcomeConnection = "connection_error"
	outcomeDraining   = "draining"
	outcomeError      = "error"
)

// outcome はエラーをメトリクスのラベルに分類する。
func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, rpcerr.ErrRemote):
		return outcomeRemote
	case errors.Is(err, rpcerr.ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, rpcerr.ErrCancelled):
		return outcomeCancelled
	case errors.Is(err, rpcerr.ErrConnection):
		return outcomeConnection
	default:
		return outcomeError
	}
}

// ReplyHandler は返信用受信箱に届いた応答を相関レジストリへ渡すハンドラを返す。
// connmgr.Newの応答ハンドラとして使用する。
func ReplyHandler(registry *correlation.Registry, logger *zap.Logger) broker.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(msg *broker.Message) {
		if msg.CorrelationID == "" {
			logger.Warn("相関IDのない応答を破棄しました", zap.String("subject", msg.Subject))
			return
		}
		registry.Resolve(msg.CorrelationID, correlation.Result{Body: msg.Body, Failed: msg.Failed})
	}
}
