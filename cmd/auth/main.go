// 認証サービスのエントリポイント。
// アクセストークンとリフレッシュトークンの発行、検証、失効を担当する。
// ゲートウェイからブローカー経由でリクエストを受け取る。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/micro/internal/auth"
	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}
	if cfg.Broker.Driver != config.DriverNATS {
		fmt.Fprintf(os.Stderr, "%sドライバーはゲートウェイと同じプロセスでのみ使用できます\n", cfg.Broker.Driver)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの初期化に失敗: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := auth.Run(ctx, cfg, &broker.NATSDialer{}, log); err != nil {
		log.Error("認証サービスが異常終了しました", zap.Error(err))
		os.Exit(1)
	}
	log.Info("認証サービスを停止しました")
}
