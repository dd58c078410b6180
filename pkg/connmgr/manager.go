// Package connmgr は下流サービスごとに1本のブローカー接続を維持する接続マネージャーを提供する。
//
// 接続は初回のAcquireChannelで遅延生成され、以降は全呼び出しで共有される。
// 接続が失われると再接続ループが指数バックオフ（ジッター付き、上限30秒）で接続を作り直す。
// 再接続中のAcquireChannelは接続の復旧を待つか、WithFailFastが有効なら即座に失敗する。
//
// 接続ごとに1つの返信用受信箱を購読し、届いた応答はNewに渡したハンドラへ送られる。
package connmgr

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/rpcerr"
)

var (
	// ErrUnknownEndpoint は登録されていないエンドポイント名が指定されたことを示す。
	ErrUnknownEndpoint = errors.New("未知のエンドポイントです")
	// ErrNotConnected は接続が確立されていないことを示す。
	ErrNotConnected = errors.New("接続が確立されていません")
	// ErrManagerClosed は接続マネージャーが既に閉じられていることを示す。
	ErrManagerClosed = errors.New("接続マネージャーは既に閉じられています")
)

// State はエンドポイントの接続状態。
type State int

const (
	// StateIdle はまだ接続していない状態。
	StateIdle State = iota
	// StateConnecting は初回接続中の状態。
	StateConnecting
	// StateConnected は接続済みの状態。
	StateConnected
	// StateReconnecting は接続喪失後に再接続している状態。
	StateReconnecting
	// StateDisconnected は再接続を諦めた状態。次のAcquireChannelで再開する。
	StateDisconnected
	// StateClosed はCloseされた状態。
	StateClosed
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel はAcquireChannelが返す送信ハンドル。
// 現在の接続と、その接続の返信用受信箱をまとめたもの。
type Channel struct {
	endpoint string
	conn     broker.Conn
	inbox    string
	sub      broker.Subscription
}

// Endpoint はエンドポイント名を返す。
func (c *Channel) Endpoint() string {
	return c.endpoint
}

// ReplyTo は応答の送信先となる受信箱を返す。
func (c *Channel) ReplyTo() string {
	return c.inbox
}

// Lost は接続が失われた時点でcloseされるチャネルを返す。
func (c *Channel) Lost() <-chan struct{} {
	return c.conn.Lost()
}

// Publish はメッセージを送信する。複数のgoroutineから同時に呼び出してよい。
func (c *Channel) Publish(ctx context.Context, msg *broker.Message) error {
	if err := c.conn.Publish(ctx, msg); err != nil {
		return rpcerr.NewConnectionError(c.endpoint, err)
	}
	return nil
}

// close は受信箱の購読を解除して接続を閉じる。
func (c *Channel) close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	_ = c.conn.Close()
}

// connection はエンドポイント1つ分の接続状態。Managerのmuで保護する。
type connection struct {
	endpoint config.ServiceEndpoint
	state    State
	current  *Channel
	lastErr  error

	// looping は再接続ループが動作中かどうか。
	looping bool
	// ready はループ終了時（成功または断念）にcloseされる。
	ready chan struct{}
	// attempted はループの最初の接続試行が終わった時点でcloseされる。
	attempted chan struct{}
}

// Manager は下流サービスへのブローカー接続を管理する。
type Manager struct {
	dialer  broker.Dialer
	replies broker.Handler
	opts    options

	mu        sync.Mutex
	conns     map[string]*connection
	listeners []func(Event)
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New は接続マネージャーを生成する。接続は行わない。
// repliesは各接続の返信用受信箱に届いたメッセージを受け取る。
func New(endpoints []config.ServiceEndpoint, dialer broker.Dialer, replies broker.Handler, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer:  dialer,
		replies: replies,
		opts:    o,
		conns:   make(map[string]*connection, len(endpoints)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, ep := range endpoints {
		m.conns[ep.Name] = &connection{endpoint: ep, state: StateIdle}
	}
	return m
}

// OnEvent は接続イベントのコールバックを登録する。
// コールバックはロックを保持しない状態で同期的に呼び出される。
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// AcquireChannel は指定エンドポイントの送信ハンドルを返す。
// 接続がなければ再接続ループを開始し、復旧するかctxが終了するまで待つ。
// WithFailFastが有効な場合は、最初の接続試行が失敗した時点でエラーを返す。
func (m *Manager) AcquireChannel(ctx context.Context, endpoint string) (*Channel, error) {
	m.mu.Lock()
	c, ok := m.conns[endpoint]
	m.mu.Unlock()
	if !ok {
		return nil, rpcerr.NewConnectionError(endpoint, ErrUnknownEndpoint)
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, rpcerr.NewConnectionError(endpoint, ErrManagerClosed)
		}
		if c.current != nil {
			ch := c.current
			m.mu.Unlock()
			return ch, nil
		}
		if !c.looping {
			m.startLoopLocked(c)
		}
		ready, attempted := c.ready, c.attempted
		m.mu.Unlock()

		if m.opts.failFast {
			select {
			case <-ctx.Done():
				return nil, rpcerr.NewConnectionError(endpoint, ctx.Err())
			case <-attempted:
			}
			m.mu.Lock()
			ch, lastErr := c.current, c.lastErr
			m.mu.Unlock()
			if ch != nil {
				return ch, nil
			}
			if lastErr == nil {
				lastErr = ErrNotConnected
			}
			return nil, rpcerr.NewConnectionError(endpoint, lastErr)
		}

		select {
		case <-ctx.Done():
			return nil, rpcerr.NewConnectionError(endpoint, ctx.Err())
		case <-ready:
		}

		m.mu.Lock()
		ch, lastErr, looping := c.current, c.lastErr, c.looping
		m.mu.Unlock()
		if ch != nil {
			return ch, nil
		}
		if !looping && lastErr != nil {
			return nil, rpcerr.NewConnectionError(endpoint, lastErr)
		}
	}
}

// Connect は全エンドポイントへの接続を確立する。起動時に使用する。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if _, err := m.AcquireChannel(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status はエンドポイントごとの接続状態を返す。
func (m *Manager) Status() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]State, len(m.conns))
	for name, c := range m.conns {
		status[name] = c.state
	}
	return status
}

// Close は再接続ループを停止し、すべての接続を閉じる。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var channels []*Channel
	for _, c := range m.conns {
		if c.current != nil {
			channels = append(channels, c.current)
			c.current = nil
		}
		c.state = StateClosed
	}
	m.mu.Unlock()

	m.cancel()
	for _, ch := range channels {
		ch.close()
		m.opts.metrics.SetConnectionUp(ch.endpoint, false)
	}
	m.wg.Wait()
	m.opts.logger.Info("ブローカー接続をすべて閉じました")
	return nil
}

// startLoopLocked は再接続ループを開始する。muを保持した状態で呼び出す。
func (m *Manager) startLoopLocked(c *connection) {
	c.looping = true
	c.ready = make(chan struct{})
	c.attempted = make(chan struct{})
	if c.state == StateIdle || c.state == StateDisconnected {
		c.state = StateConnecting
	} else {
		c.state = StateReconnecting
	}

	m.wg.Add(1)
	go m.runLoop(c, c.ready, c.attempted)
}

// runLoop は接続が確立するか試行回数を使い切るまで接続を試みる。
func (m *Manager) runLoop(c *connection, ready, attempted chan struct{}) {
	defer m.wg.Done()

	name := c.endpoint.Name
	attempt := 0
	var attemptedOnce sync.Once

	operation := func() error {
		attempt++
		ch, err := m.dial(c.endpoint)
		m.opts.metrics.ConnectAttempt(name, err == nil)
		if err != nil {
			m.mu.Lock()
			c.lastErr = err
			m.mu.Unlock()
			attemptedOnce.Do(func() { close(attempted) })
			return err
		}
		if err := m.install(c, ch); err != nil {
			attemptedOnce.Do(func() { close(attempted) })
			return backoff.Permanent(err)
		}
		attemptedOnce.Do(func() { close(attempted) })
		return nil
	}

	notify := func(err error, next time.Duration) {
		m.opts.logger.Warn("ブローカーへの接続に失敗しました。再試行します",
			zap.String("endpoint", name),
			zap.Int("attempt", attempt),
			zap.Duration("next_retry", next),
			zap.Error(err),
		)
		m.emit(Event{Endpoint: name, Kind: EventAttemptFailed, Attempt: attempt, Err: err, NextRetry: next})
	}

	err := backoff.RetryNotify(operation, m.newBackOff(), notify)
	attemptedOnce.Do(func() { close(attempted) })

	m.mu.Lock()
	if err != nil {
		c.looping = false
		if c.lastErr == nil || errors.Is(err, ErrManagerClosed) {
			c.lastErr = err
		}
		if !m.closed {
			c.state = StateDisconnected
		}
	}
	closed := m.closed
	m.mu.Unlock()
	close(ready)

	if err != nil && !closed {
		m.opts.logger.Error("ブローカーへの再接続を断念しました",
			zap.String("endpoint", name),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		m.emit(Event{Endpoint: name, Kind: EventGaveUp, Attempt: attempt, Err: err})
	}
}

// newBackOff は再接続用のバックオフを生成する。
func (m *Manager) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.initialBackoff
	eb.MaxInterval = m.opts.maxBackoff
	eb.Multiplier = m.opts.multiplier
	eb.RandomizationFactor = m.opts.randomization
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if m.opts.maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(m.opts.maxAttempts-1))
	}
	return backoff.WithContext(b, m.ctx)
}

// dial は接続を確立し、キューの宣言と受信箱の購読まで行う。
func (m *Manager) dial(ep config.ServiceEndpoint) (*Channel, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.dialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, ep.BrokerURL)
	if err != nil {
		return nil, err
	}
	if err := conn.DeclareQueue(ctx, ep.Queue, ep.Durable); err != nil {
		_ = conn.Close()
		return nil, err
	}
	inbox := conn.NewInbox()
	sub, err := conn.Subscribe(inbox, m.replies)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Channel{endpoint: ep.Name, conn: conn, inbox: inbox, sub: sub}, nil
}

// install は確立した接続を現在の接続として登録し、切断の監視を開始する。
func (m *Manager) install(c *connection, ch *Channel) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ch.close()
		return ErrManagerClosed
	}
	c.current = ch
	c.state = StateConnected
	c.lastErr = nil
	// 監視開始後の切断で新しいループを起動できるよう、ここでループ終了扱いにする。
	c.looping = false
	m.wg.Add(1)
	m.mu.Unlock()

	go m.watch(c, ch)

	m.opts.metrics.SetConnectionUp(ch.endpoint, true)
	m.opts.logger.Info("ブローカーに接続しました",
		zap.String("endpoint", ch.endpoint),
		zap.String("queue", c.endpoint.Queue),
	)
	m.emit(Event{Endpoint: ch.endpoint, Kind: EventConnected})
	return nil
}

// watch は接続の喪失を検知して再接続ループを開始する。
func (m *Manager) watch(c *connection, ch *Channel) {
	defer m.wg.Done()

	select {
	case <-ch.Lost():
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	if m.closed || c.current != ch {
		m.mu.Unlock()
		return
	}
	c.current = nil
	c.state = StateReconnecting
	c.lastErr = broker.ErrConnClosed
	if !c.looping {
		m.startLoopLocked(c)
	}
	m.mu.Unlock()

	ch.close()
	m.opts.metrics.SetConnectionUp(ch.endpoint, false)
	m.opts.logger.Warn("ブローカー接続が失われました。再接続を開始します", zap.String("endpoint", ch.endpoint))
	m.emit(Event{Endpoint: ch.endpoint, Kind: EventDisconnected, Err: broker.ErrConnClosed})
}

// emit は登録済みのコールバックにイベントを通知する。
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
