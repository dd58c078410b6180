package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/logger"
	"github.com/nao1215/micro/pkg/rpc"
)

// janitorInterval は期限切れトークンを削除する間隔。
const janitorInterval = time.Hour

// Run は認証サービスを起動し、ctxが終了するまでリクエストを処理する。
func Run(ctx context.Context, cfg *config.Config, dialer broker.Dialer, log *zap.Logger) error {
	log = logger.OrNop(log)
	endpoint, ok := cfg.Endpoint(config.ServiceAuth)
	if !ok {
		return fmt.Errorf("%sサービスの接続先が設定されていません", config.ServiceAuth)
	}

	store, err := OpenStore(ctx, cfg.Server.DBPath, log)
	if err != nil {
		return fmt.Errorf("トークンストアの初期化に失敗: %w", err)
	}
	defer store.Close()

	srv := rpc.NewServer(
		rpc.WithServerLogger(log),
		rpc.WithReconnectBackoff(cfg.Broker.InitialBackoff, cfg.Broker.MaxBackoff),
	)
	svc := NewService(store, cfg.Server.JWTSecret,
		WithLogger(log),
		WithTTL(cfg.Server.AccessTokenTTL, cfg.Server.RefreshTokenTTL),
	)
	svc.Register(srv)
	go svc.RunJanitor(ctx, janitorInterval)

	log.Info("認証サービスを起動します",
		zap.String("queue", endpoint.Queue),
		zap.Int("patterns", srv.Patterns()),
		zap.Duration("access_token_ttl", cfg.Server.AccessTokenTTL),
	)
	return srv.ListenAndServe(ctx, dialer, endpoint)
}
