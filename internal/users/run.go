package users

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/logger"
	"github.com/nao1215/micro/pkg/rpc"
)

// Run はユーザーサービスを起動し、ctxが終了するまでリクエストを処理する。
func Run(ctx context.Context, cfg *config.Config, dialer broker.Dialer, log *zap.Logger) error {
	log = logger.OrNop(log)
	endpoint, ok := cfg.Endpoint(config.ServiceUsers)
	if !ok {
		return fmt.Errorf("%sサービスの接続先が設定されていません", config.ServiceUsers)
	}

	store, err := OpenStore(ctx, cfg.Server.DBPath, log)
	if err != nil {
		return fmt.Errorf("ユーザーストアの初期化に失敗: %w", err)
	}
	defer store.Close()

	srv := rpc.NewServer(
		rpc.WithServerLogger(log),
		rpc.WithReconnectBackoff(cfg.Broker.InitialBackoff, cfg.Broker.MaxBackoff),
	)
	NewService(store, WithLogger(log)).Register(srv)

	log.Info("ユーザーサービスを起動します",
		zap.String("queue", endpoint.Queue),
		zap.Int("patterns", srv.Patterns()),
	)
	return srv.ListenAndServe(ctx, dialer, endpoint)
}
