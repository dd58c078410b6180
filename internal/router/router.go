// Package router はリクエスト種別を下流サービスのエンドポイントとキューに対応付ける。
//
// ルート表は起動時に検証され、以降は変更されない。
// 未知の種別はブローカーに一切触れずにErrUnknownRouteを返す。
// 下流サービスやトランスポートのエラーはTranslateでゲートウェイ向けのエラーに変換する。
package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/rpc"
)

// ErrUnknownRoute はルート表にないリクエスト種別が指定されたことを示す。
var ErrUnknownRoute = errors.New("未知のリクエスト種別です")

// Route はリクエスト種別1件の転送先。
type Route struct {
	// Kind はリクエスト種別。
	Kind string
	// Endpoint は転送先のサービス名。
	Endpoint string
	// Queue は転送先のキュー名。空ならエンドポイントのキューを使う。
	Queue string
	// Pattern は下流サービスで処理を選ぶパターン。空ならKindを使う。
	Pattern string
	// Timeout はこの種別の応答待ち時間。0なら既定値を使う。
	Timeout time.Duration
	// Public がtrueの種別だけを汎用エンドポイント（/api/v1/rpc/:kind）から呼び出せる。
	// トークン発行のようにゲートウェイ内部の手順からのみ呼ぶ種別はfalseにする。
	Public bool
}

// Response は下流サービスからの応答。
type Response struct {
	// Kind はリクエスト種別。
	Kind string
	// Payload は応答ボディ。
	Payload []byte
}

// Caller はRPC呼び出しを行う。*rpc.Clientが満たす。
type Caller interface {
	Call(ctx context.Context, endpoint, queue string, payload []byte, timeout time.Duration, opts ...rpc.CallOption) ([]byte, error)
	Drain(ctx context.Context) error
}

// Router はリクエスト種別ごとに下流サービスを呼び出す。
type Router struct {
	caller         Caller
	routes         map[string]Route
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// Option はRouterの設定を変更する。
type Option func(*Router)

// WithDefaultTimeout はルートにタイムアウトがない場合の応答待ち時間を設定する。
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithLogger はログ出力先を設定する。
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New はルート表を検証してRouterを生成する。
// 未知のエンドポイントを指すルートや種別の重複は起動エラーとする。
func New(caller Caller, routes []Route, endpoints []config.ServiceEndpoint, opts ...Option) (*Router, error) {
	r := &Router{
		caller:         caller,
		routes:         make(map[string]Route, len(routes)),
		defaultTimeout: rpc.DefaultTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	byName := make(map[string]config.ServiceEndpoint, len(endpoints))
	for _, ep := range endpoints {
		byName[ep.Name] = ep
	}

	var errs []error
	for _, route := range routes {
		if route.Kind == "" {
			errs = append(errs, errors.New("種別が空のルートがあります"))
			continue
		}
		if _, dup := r.routes[route.Kind]; dup {
			errs = append(errs, fmt.Errorf("種別 %s が重複しています", route.Kind))
			continue
		}
		ep, ok := byName[route.Endpoint]
		if !ok {
			errs = append(errs, fmt.Errorf("種別 %s の転送先 %s は未知のエンドポイントです", route.Kind, route.Endpoint))
			continue
		}
		if route.Queue == "" {
			route.Queue = ep.Queue
		}
		if route.Pattern == "" {
			route.Pattern = route.Kind
		}
		if route.Timeout <= 0 {
			route.Timeout = r.defaultTimeout
		}
		r.routes[route.Kind] = route
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("ルート表が不正です: %w", err)
	}
	return r, nil
}

// Lookup は種別に対応するルートを返す。
func (r *Router) Lookup(kind string) (Route, bool) {
	route, ok := r.routes[kind]
	return route, ok
}

// LookupPublic は汎用エンドポイントから呼び出せる種別のルートを返す。
func (r *Router) LookupPublic(kind string) (Route, bool) {
	route, ok := r.routes[kind]
	if !ok || !route.Public {
		return Route{}, false
	}
	return route, true
}

// Kinds は登録済みの種別を昇順で返す。
func (r *Router) Kinds() []string {
	kinds := make([]string, 0, len(r.routes))
	for kind := range r.routes {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// Route はkindに対応する下流サービスへpayloadを転送し、応答を返す。
// ルート表にない種別はブローカーに触れずにErrUnknownRouteを返す。
func (r *Router) Route(ctx context.Context, kind string, payload []byte, opts ...rpc.CallOption) (*Response, error) {
	route, ok := r.routes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, kind)
	}

	opts = append([]rpc.CallOption{rpc.WithPattern(route.Pattern)}, opts...)
	body, err := r.caller.Call(ctx, route.Endpoint, route.Queue, payload, route.Timeout, opts...)
	if err != nil {
		r.logger.Debug("下流サービスの呼び出しに失敗しました",
			zap.String("kind", kind),
			zap.String("endpoint", route.Endpoint),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s の呼び出しに失敗: %w", kind, err)
	}
	return &Response{Kind: kind, Payload: body}, nil
}

// Drain は新しい呼び出しを止め、処理中の呼び出しの完了を待つ。
func (r *Router) Drain(ctx context.Context) error {
	return r.caller.Drain(ctx)
}
