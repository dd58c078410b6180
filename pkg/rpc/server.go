package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/rpcerr"
)

// defaultConcurrency は同時に処理するリクエスト数の既定上限。
const defaultConcurrency = 64

// replyTimeout は応答送信のタイムアウト。
const replyTimeout = 5 * time.Second

// Request は下流サービスが受け取るリクエスト。
type Request struct {
	// Pattern はリクエストのパターン。
	Pattern string
	// CorrelationID は呼び出し元が付与した相関ID。
	CorrelationID string
	// UserID はゲートウェイで認証されたユーザーID。未認証なら空。
	UserID string
	// Headers はその他のメタデータ。
	Headers map[string]string
	// Body はリクエストボディ。
	Body []byte
}

// HandlerFunc はパターンに対応する処理。
// 戻り値はJSONにシリアライズして応答する。[]byteはそのまま応答する。
// エラーを返すとエラーマーカー付きで応答する。rpcerr.Errorfで生成したエラーはコードが保持される。
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Errorf はハンドラが返すエラーを生成する。
func Errorf(code, format string, args ...any) error {
	return rpcerr.Errorf(code, format, args...)
}

// DecodeJSON はリクエストボディを指定された型にデシリアライズする。
// 失敗した場合はinvalid_argumentのエラーを返す。
func DecodeJSON[T any](req *Request) (*T, error) {
	var data T
	if err := json.Unmarshal(req.Body, &data); err != nil {
		return nil, Errorf(rpcerr.CodeInvalidArgument, "リクエストボディの形式が不正です: %v", err)
	}
	return &data, nil
}

// Server はキューからリクエストを受け取り、パターンごとのハンドラへ振り分ける。
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	sem    *semaphore.Weighted
	logger *zap.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// ServerOption はServerの設定を変更する。
type ServerOption func(*Server)

// WithServerLogger はログ出力先を設定する。
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConcurrency は同時に処理するリクエスト数の上限を設定する。
func WithConcurrency(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithReconnectBackoff はListenAndServeの再接続間隔を設定する。
func WithReconnectBackoff(initial, maxInterval time.Duration) ServerOption {
	return func(s *Server) {
		if initial > 0 {
			s.initialBackoff = initial
		}
		if maxInterval > 0 {
			s.maxBackoff = maxInterval
		}
	}
}

// NewServer はサーバーを生成する。
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		handlers:       make(map[string]HandlerFunc),
		sem:            semaphore.NewWeighted(defaultConcurrency),
		logger:         zap.NewNop(),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle はパターンにハンドラを登録する。同じパターンは上書きする。
func (s *Server) Handle(pattern string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pattern] = h
}

// Patterns は登録済みのパターン数を返す。
func (s *Server) Patterns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Serve はconnのqueueからリクエストを受け取り、ctxが終了するか接続が失われるまで処理する。
// ctxの終了で戻る場合は処理中のリクエストの完了を待ってnilを返す。
// 接続喪失で戻る場合はbroker.ErrConnClosedを返す。
func (s *Server) Serve(ctx context.Context, conn broker.Conn, queue string, durable bool) error {
	if err := conn.DeclareQueue(ctx, queue, durable); err != nil {
		return fmt.Errorf("キュー %s の宣言に失敗: %w", queue, err)
	}

	// 接続喪失時は処理中のハンドラにもキャンセルを伝える。
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 購読解除後も配送中のコールバックが残り得るため、停止後はディスパッチを開始しない。
	var (
		wg      sync.WaitGroup
		stateMu sync.Mutex
		stopped bool
	)
	stop := func() {
		stateMu.Lock()
		stopped = true
		stateMu.Unlock()
		wg.Wait()
	}
	sub, err := conn.Consume(serveCtx, queue, durable, func(msg *broker.Message) {
		if err := s.sem.Acquire(serveCtx, 1); err != nil {
			return
		}
		stateMu.Lock()
		if stopped {
			stateMu.Unlock()
			s.sem.Release(1)
			return
		}
		wg.Add(1)
		stateMu.Unlock()
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			s.dispatch(serveCtx, conn, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("キュー %s の消費開始に失敗: %w", queue, err)
	}
	s.logger.Info("リクエストの受信を開始しました", zap.String("queue", queue), zap.Bool("durable", durable))

	var result error
	select {
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		stop()
	case <-conn.Lost():
		result = broker.ErrConnClosed
		_ = sub.Unsubscribe()
		cancel()
		stop()
	}
	return result
}

// ListenAndServe はブローカーへ接続してServeを実行する。
// 接続が失われると指数バックオフで再接続し、ctxが終了するまで処理を続ける。
func (s *Server) ListenAndServe(ctx context.Context, dialer broker.Dialer, endpoint config.ServiceEndpoint) error {
	for {
		conn, err := s.dial(ctx, dialer, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ブローカーへの接続に失敗: %w", err)
		}

		err = s.Serve(ctx, conn, endpoint.Queue, endpoint.Durable)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, broker.ErrConnClosed) {
			return err
		}
		s.logger.Warn("ブローカー接続が失われました。再接続します", zap.String("endpoint", endpoint.Name))
	}
}

// dial はバックオフ付きでブローカーへ接続する。
func (s *Server) dial(ctx context.Context, dialer broker.Dialer, endpoint config.ServiceEndpoint) (broker.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.initialBackoff
	eb.MaxInterval = s.maxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempt := 0
	return backoff.RetryNotifyWithData(func() (broker.Conn, error) {
		attempt++
		return dialer.Dial(ctx, endpoint.BrokerURL)
	}, backoff.WithContext(eb, ctx), func(err error, next time.Duration) {
		s.logger.Warn("ブローカーへの接続に失敗しました。再試行します",
			zap.String("endpoint", endpoint.Name),
			zap.Int("attempt", attempt),
			zap.Duration("next_retry", next),
			zap.Error(err),
		)
	})
}

// dispatch はリクエスト1件を処理して応答を送る。
func (s *Server) dispatch(ctx context.Context, conn broker.Conn, msg *broker.Message) {
	req := &Request{
		Pattern:       msg.Pattern,
		CorrelationID: msg.CorrelationID,
		UserID:        msg.Header(broker.HeaderUserID),
		Headers:       msg.Headers,
		Body:          msg.Body,
	}

	body, failed := s.invoke(ctx, req)

	if msg.ReplyTo == "" {
		s.logger.Debug("返信先のないリクエストを処理しました", zap.String("pattern", msg.Pattern))
		return
	}
	reply := &broker.Message{
		Subject:       msg.ReplyTo,
		CorrelationID: msg.CorrelationID,
		Body:          body,
		Failed:        failed,
	}
	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := conn.Publish(replyCtx, reply); err != nil {
		s.logger.Error("応答の送信に失敗しました",
			zap.String("pattern", msg.Pattern),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err),
		)
	}
}

// invoke はハンドラを呼び出し、応答ボディとエラーマーカーを返す。
// ハンドラのパニックは内部エラーとして応答する。
func (s *Server) invoke(ctx context.Context, req *Request) (body []byte, failed bool) {
	s.mu.RLock()
	h, ok := s.handlers[req.Pattern]
	s.mu.RUnlock()
	if !ok {
		return encodeStatus(&rpcerr.Status{
			Code:    rpcerr.CodeUnimplemented,
			Message: fmt.Sprintf("未対応のパターンです: %s", req.Pattern),
		}), true
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ハンドラでパニックが発生しました",
				zap.String("pattern", req.Pattern),
				zap.Any("panic", r),
			)
			body, failed = encodeStatus(internalStatus()), true
		}
	}()

	res, err := h(ctx, req)
	if err != nil {
		var st *rpcerr.Status
		if errors.As(err, &st) {
			return encodeStatus(st), true
		}
		s.logger.Error("ハンドラがエラーを返しました",
			zap.String("pattern", req.Pattern),
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err),
		)
		return encodeStatus(internalStatus()), true
	}

	switch v := res.(type) {
	case nil:
		return []byte("null"), false
	case []byte:
		return v, false
	default:
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("応答のシリアライズに失敗しました", zap.String("pattern", req.Pattern), zap.Error(err))
			return encodeStatus(internalStatus()), true
		}
		return data, false
	}
}

// internalStatus は内部エラーの応答を返す。詳細は呼び出し元に返さない。
func internalStatus() *rpcerr.Status {
	return &rpcerr.Status{Code: rpcerr.CodeInternal, Message: "内部エラーが発生しました"}
}

// encodeStatus はエラー応答ボディを生成する。
func encodeStatus(st *rpcerr.Status) []byte {
	data, err := json.Marshal(st)
	if err != nil {
		return []byte(`{"code":"internal","message":"内部エラーが発生しました"}`)
	}
	return data
}
