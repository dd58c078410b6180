// Package correlation は応答待ちのRPC呼び出しを相関IDで管理するレジストリを提供する。
//
// 1つの相関IDに対して登録できる呼び出しは同時に1つだけで、その結果は一度だけ書き込まれる。
// 応答、タイムアウト、接続喪失、キャンセルのうち最初に起きたものが結果となり、
// 以降の書き込みは警告ログを出して破棄される。
// 期限切れの呼び出しはバックグラウンドのスイープで回収されるため、
// ブローカー内で応答が失われてもメモリは増え続けない。
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/metrics"
	"github.com/nao1215/micro/pkg/rpcerr"
)

var (
	// ErrDuplicateCorrelationID は登録済みの相関IDを再登録しようとしたことを示す。
	// ID生成の不具合を意味する。
	ErrDuplicateCorrelationID = errors.New("相関IDが既に登録されています")
	// ErrUnknownCorrelationID は登録されていない相関IDで待機しようとしたことを示す。
	ErrUnknownCorrelationID = errors.New("相関IDが登録されていません")
)

// defaultSweepInterval は期限切れスイープの既定間隔。
const defaultSweepInterval = time.Second

// Result は下流サービスからの応答。
type Result struct {
	// Body は応答ボディ。
	Body []byte
	// Failed は下流サービスがエラーを返したことを示す。
	Failed bool
}

// PendingCall は応答待ちの呼び出し。結果は一度だけ書き込まれる。
type PendingCall struct {
	// CorrelationID は呼び出しの相関ID。
	CorrelationID string
	// CreatedAt は登録日時。
	CreatedAt time.Time
	// Deadline は応答期限。
	Deadline time.Time

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// Done は結果が確定した時点でcloseされるチャネルを返す。
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Outcome は確定した結果を返す。Doneがcloseされる前に呼び出してはならない。
func (p *PendingCall) Outcome() (Result, error) {
	return p.result, p.err
}

// complete は結果を一度だけ書き込む。書き込めた場合にtrueを返す。
func (p *PendingCall) complete(res Result, err error) bool {
	completed := false
	p.once.Do(func() {
		p.result = res
		p.err = err
		close(p.done)
		completed = true
	})
	return completed
}

// Registry は相関IDと応答待ち呼び出しの対応表。
type Registry struct {
	mu    sync.Mutex
	calls map[string]*PendingCall

	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// Option はRegistryの設定を変更する。
type Option func(*Registry)

// WithLogger はログ出力先を設定する。
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSweepInterval は期限切れスイープの間隔を設定する。
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New は新しいレジストリを生成する。
func New(opts ...Option) *Registry {
	r := &Registry{
		calls:         make(map[string]*PendingCall),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register は応答待ちの呼び出しを登録する。
// 相関IDが登録済みの場合はErrDuplicateCorrelationIDを返す。
func (r *Registry) Register(id string, deadline time.Time) (*PendingCall, error) {
	r.mu.Lock()
	if _, exists := r.calls[id]; exists {
		r.mu.Unlock()
		r.logger.Error("相関IDが重複しました。ID生成に問題があります", zap.String("correlation_id", id))
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, id)
	}
	p := &PendingCall{
		CorrelationID: id,
		CreatedAt:     r.now(),
		Deadline:      deadline,
		done:          make(chan struct{}),
	}
	r.calls[id] = p
	n := len(r.calls)
	r.mu.Unlock()

	r.metrics.SetPending(n)
	return p, nil
}

// Resolve は応答を書き込み、待機中の呼び出し元を起こす。
// 該当する呼び出しがない、または既に確定している場合は警告ログを出して何もしない。
func (r *Registry) Resolve(id string, res Result) bool {
	return r.settle(id, res, nil)
}

// Fail は呼び出しをエラーで確定させる。接続喪失時に使用する。
func (r *Registry) Fail(id string, err error) bool {
	return r.settle(id, Result{}, err)
}

// Cancel は呼び出しをキャンセルし、レジストリから取り除く。
// 既に送信したリクエストは取り消さない。
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	p, ok := r.calls[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.finish(p, Result{}, rpcerr.ErrCancelled)
}

// Abort は登録済みの呼び出しをエラーで確定させる。既に確定していればfalseを返す。
// 送信失敗や接続喪失を呼び出し元が検知した場合に使用する。
func (r *Registry) Abort(p *PendingCall, err error) bool {
	return r.finish(p, Result{}, err)
}

// settle は相関IDで呼び出しを探して結果を確定させる。
func (r *Registry) settle(id string, res Result, err error) bool {
	r.mu.Lock()
	p, ok := r.calls[id]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("対応する呼び出しが存在しない応答を破棄しました", zap.String("correlation_id", id))
		r.metrics.UnmatchedReply()
		return false
	}
	if !r.finish(p, res, err) {
		r.logger.Warn("確定済みの呼び出しに対する応答を破棄しました", zap.String("correlation_id", id))
		return false
	}
	return true
}

// finish は呼び出しをレジストリから取り除き、結果を書き込む。
func (r *Registry) finish(p *PendingCall, res Result, err error) bool {
	r.mu.Lock()
	if current, ok := r.calls[p.CorrelationID]; ok && current == p {
		delete(r.calls, p.CorrelationID)
	}
	n := len(r.calls)
	r.mu.Unlock()

	r.metrics.SetPending(n)
	return p.complete(res, err)
}

// Await は相関IDの呼び出しが確定するまで待機する。
// 期限を過ぎた場合はErrTimeout、ctxが終了した場合はErrCancelledを返す。
func (r *Registry) Await(ctx context.Context, id string) (Result, error) {
	r.mu.Lock()
	p, ok := r.calls[id]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCorrelationID, id)
	}
	return r.Wait(ctx, p)
}

// Wait は登録済みの呼び出しが確定するまで待機する。
func (r *Registry) Wait(ctx context.Context, p *PendingCall) (Result, error) {
	timer := time.NewTimer(p.Deadline.Sub(r.now()))
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		r.finish(p, Result{}, rpcerr.ErrTimeout)
	case <-ctx.Done():
		r.finish(p, Result{}, fmt.Errorf("%w: %w", rpcerr.ErrCancelled, ctx.Err()))
	}
	<-p.done
	return p.Outcome()
}

// Len は応答待ちの呼び出し数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Sweep は期限切れの呼び出しをタイムアウトとして確定させ、取り除いた件数を返す。
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*PendingCall
	for id, p := range r.calls {
		if !now.Before(p.Deadline) {
			expired = append(expired, p)
			delete(r.calls, id)
		}
	}
	n := len(r.calls)
	r.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	r.metrics.SetPending(n)
	for _, p := range expired {
		p.complete(Result{}, rpcerr.ErrTimeout)
	}
	r.logger.Debug("期限切れの呼び出しを回収しました", zap.Int("count", len(expired)))
	return len(expired)
}

// Run はctxが終了するまで定期的にスイープを実行する。
// バックグラウンドgoroutineとして呼び出されることを想定している。
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// WaitIdle は応答待ちの呼び出しがなくなるまで待機する。
func (r *Registry) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("応答待ちの呼び出しが %d 件残っています: %w", r.Len(), ctx.Err())
		case <-ticker.C:
		}
	}
}
