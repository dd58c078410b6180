// API Gatewayサービスのエントリポイント。
// HTTPリクエストをリクエスト種別ごとにブローカー経由で下流サービスへ転送する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
// ブローカードライバーがmemoryの場合は、ユーザーサービスと認証サービスを同じプロセスで起動する。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/micro/internal/auth"
	"github.com/nao1215/micro/internal/gateway"
	"github.com/nao1215/micro/internal/router"
	"github.com/nao1215/micro/internal/users"
	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/connmgr"
	"github.com/nao1215/micro/pkg/correlation"
	"github.com/nao1215/micro/pkg/logger"
	"github.com/nao1215/micro/pkg/metrics"
	"github.com/nao1215/micro/pkg/rpc"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
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

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Gatewayサービスが異常終了しました", zap.Error(err))
		os.Exit(1)
	}
}

// run はゲートウェイを起動し、ctxが終了したら段階的に停止する。
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var dialer broker.Dialer
	embedded := cfg.Broker.Driver == config.DriverMemory
	if embedded {
		dialer = broker.NewMemory()
	} else {
		dialer = &broker.NATSDialer{}
	}

	g, ctx := errgroup.WithContext(ctx)

	// 下流サービスはゲートウェイより後に停止させる
	svcCtx, stopServices := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServices()
	if embedded {
		usersCfg, authCfg := *cfg, *cfg
		usersCfg.Server.DBPath = serviceDBPath(cfg.Server.DBPath, config.ServiceUsers)
		authCfg.Server.DBPath = serviceDBPath(cfg.Server.DBPath, config.ServiceAuth)
		g.Go(func() error {
			return users.Run(svcCtx, &usersCfg, dialer, log.Named(config.ServiceUsers))
		})
		g.Go(func() error {
			return auth.Run(svcCtx, &authCfg, dialer, log.Named(config.ServiceAuth))
		})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry := correlation.New(
		correlation.WithLogger(log),
		correlation.WithSweepInterval(cfg.Broker.SweepInterval),
		correlation.WithMetrics(m),
	)
	go registry.Run(svcCtx)

	endpoints := cfg.Endpoints()
	mgr := connmgr.New(endpoints, dialer, rpc.ReplyHandler(registry, log),
		connmgr.WithFailFast(cfg.Broker.FailFast),
		connmgr.WithMaxAttempts(cfg.Broker.MaxAttempts),
		connmgr.WithBackoff(cfg.Broker.InitialBackoff, cfg.Broker.MaxBackoff),
		connmgr.WithLogger(log),
		connmgr.WithMetrics(m),
	)
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn("ブローカー接続のクローズに失敗しました", zap.Error(err))
		}
	}()
	health := gateway.NewHealth(mgr)

	client := rpc.NewClient(mgr, registry,
		rpc.WithDefaultTimeout(cfg.Broker.DefaultTimeout),
		rpc.WithClientLogger(log),
		rpc.WithClientMetrics(m),
	)
	rt, err := router.New(client, router.DefaultRoutes(cfg), endpoints,
		router.WithDefaultTimeout(cfg.Broker.DefaultTimeout),
		router.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("ルート表が不正です: %w", err)
	}

	srv := gateway.NewServer(gateway.Options{
		Router:      rt,
		Health:      health,
		JWTSecret:   cfg.Server.JWTSecret,
		FrontendURL: cfg.Server.FrontendURL,
		Logger:      log,
		Gatherer:    reg,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Handler(),
	}

	g.Go(func() error {
		log.Info("Gatewayサービスを起動します",
			zap.String("addr", httpServer.Addr),
			zap.String("driver", cfg.Broker.Driver),
			zap.Strings("kinds", rt.Kinds()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Gatewayサービスを停止します", zap.Duration("grace", cfg.Server.ShutdownGrace))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace)
		defer cancel()
		defer stopServices()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTPサーバーの停止がタイムアウトしました", zap.Error(err))
		}
		if err := srv.Drain(shutdownCtx); err != nil {
			log.Warn("処理中の転送の完了を待てませんでした", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// serviceDBPath は同一プロセスで動かすサービスごとのデータベースパスを返す。
func serviceDBPath(base, service string) string {
	if base == ":memory:" || strings.HasPrefix(base, "file::memory:") {
		return base
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "_" + service + ext
}
