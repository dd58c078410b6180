package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig はテスト用の設定ファイルを書き出す。
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
	}
	return path
}

// TestLoad は設定読み込みを検証する。環境変数を変更するため並列実行しない。
func TestLoad(t *testing.T) {
	t.Run("環境変数だけで読み込めて既定値が補われること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("USERS_BROKER_URL", "nats://users:4222")
		t.Setenv("AUTH_BROKER_URL", "nats://auth:4222")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Server.Port != defaultPort {
			t.Errorf("Port = %q, want %q", cfg.Server.Port, defaultPort)
		}
		if cfg.Broker.DefaultTimeout != 5*time.Second {
			t.Errorf("DefaultTimeout = %s, want 5s", cfg.Broker.DefaultTimeout)
		}
		if cfg.Broker.MaxBackoff != 30*time.Second {
			t.Errorf("MaxBackoff = %s, want 30s", cfg.Broker.MaxBackoff)
		}

		users, ok := cfg.Endpoint(ServiceUsers)
		if !ok {
			t.Fatal("usersエンドポイントが見つからない")
		}
		want := ServiceEndpoint{Name: "users", BrokerURL: "nats://users:4222", Queue: "users_queue", Durable: true}
		if users != want {
			t.Errorf("users = %+v, want %+v", users, want)
		}
	})

	t.Run("環境変数がファイルの値より優先されること", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: "9000"
  jwt_secret: from-file
broker:
  driver: nats
  default_timeout: 2s
users:
  broker_url: nats://file:4222
  queue: users_file
  durable: false
auth:
  broker_url: nats://file:4222
routes:
  - kind: users.ping
    service: users
    pattern: ping
    timeout: 750ms
`)
		t.Setenv("PORT", "9100")
		t.Setenv("USERS_QUEUE", "users_env")
		t.Setenv("BROKER_FAIL_FAST", "true")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Server.Port != "9100" {
			t.Errorf("Port = %q, want 9100", cfg.Server.Port)
		}
		if cfg.Server.JWTSecret != "from-file" {
			t.Errorf("JWTSecret = %q, want from-file", cfg.Server.JWTSecret)
		}
		if !cfg.Broker.FailFast {
			t.Error("FailFastがtrueになっていない")
		}
		if cfg.Broker.DefaultTimeout != 2*time.Second {
			t.Errorf("DefaultTimeout = %s, want 2s", cfg.Broker.DefaultTimeout)
		}

		users, _ := cfg.Endpoint(ServiceUsers)
		if users.Queue != "users_env" {
			t.Errorf("users.Queue = %q, want users_env", users.Queue)
		}
		if users.Durable {
			t.Error("ファイルで指定したdurable: falseが反映されていない")
		}
		auth, _ := cfg.Endpoint(ServiceAuth)
		if !auth.Durable {
			t.Error("durable未指定のエンドポイントがtrueになっていない")
		}

		if len(cfg.Routes) != 1 || cfg.Routes[0].Timeout != 750*time.Millisecond {
			t.Errorf("Routes = %+v", cfg.Routes)
		}
	})

	t.Run("ブローカーURLがないと起動エラーになること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("USERS_BROKER_URL", "nats://users:4222")

		_, err := Load("")
		if err == nil {
			t.Fatal("authのブローカーURL未設定でエラーが返らなかった")
		}
		if !strings.Contains(err.Error(), "auth") {
			t.Errorf("エラーにサービス名が含まれていない: %v", err)
		}
	})

	t.Run("memoryドライバーではブローカーURLが補われること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("BROKER_DRIVER", "memory")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		for _, ep := range cfg.Endpoints() {
			if ep.BrokerURL == "" {
				t.Errorf("%s のBrokerURLが空", ep.Name)
			}
		}
	})

	t.Run("未知のキーを含む設定ファイルでエラーになること", func(t *testing.T) {
		path := writeConfig(t, "unknown_key: 1\n")
		if _, err := Load(path); err == nil {
			t.Fatal("未知のキーでエラーが返らなかった")
		}
	})

	t.Run("リポジトリの設定例を読み込めること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")

		cfg, err := Load(filepath.Join("..", "..", "config", "gateway.yaml"))
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Server.RefreshTokenTTL != 7*24*time.Hour {
			t.Errorf("RefreshTokenTTL = %s, want 168h", cfg.Server.RefreshTokenTTL)
		}
		if len(cfg.Routes) != 0 {
			t.Errorf("Routes = %v, want empty", cfg.Routes)
		}
	})
}

// TestConfig_Validate は検証ルールを確認する。
func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := &Config{
			Server: ServerConfig{JWTSecret: "secret"},
			Users:  EndpointConfig{BrokerURL: "nats://localhost:4222"},
			Auth:   EndpointConfig{BrokerURL: "nats://localhost:4222"},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{name: "JWTシークレットが空", modify: func(c *Config) { c.Server.JWTSecret = "" }},
		{name: "ドライバーが不正", modify: func(c *Config) { c.Broker.Driver = "kafka" }},
		{name: "最大試行回数が負", modify: func(c *Config) { c.Broker.MaxAttempts = -1 }},
		{name: "初回待機時間が最大値を超える", modify: func(c *Config) { c.Broker.InitialBackoff = time.Minute }},
		{name: "キュー名が空", modify: func(c *Config) { c.Users.Queue = "" }},
		{name: "リフレッシュトークンがアクセストークンより短い", modify: func(c *Config) { c.Server.RefreshTokenTTL = time.Minute }},
		{name: "ルートのサービスが未知", modify: func(c *Config) {
			c.Routes = []RouteConfig{{Kind: "x", Service: "billing"}}
		}},
		{name: "ルートのkindが空", modify: func(c *Config) {
			c.Routes = []RouteConfig{{Service: "users"}}
		}},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("正常な設定でエラーが発生: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name+"の場合にエラーになること", func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("エラーが返らなかった")
			}
		})
	}
}
