// Package config はゲートウェイと下流サービスの設定読み込みを提供する。
//
// 設定はYAMLファイル（任意）を読み込んだ後、環境変数で上書きし、
// 未設定の項目に既定値を補ってから検証する。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/micro/pkg/logger"
)

// 既定値。
const (
	defaultPort           = "8080"
	defaultFrontendURL    = "http://localhost:3000"
	defaultShutdownGrace  = 10 * time.Second
	defaultDBPath         = ":memory:"
	defaultDriver         = DriverNATS
	defaultTimeout        = 5 * time.Second
	defaultSweepInterval  = time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultUsersQueue     = "users_queue"
	defaultAccessTTL      = 15 * time.Minute
	defaultRefreshTTL     = 7 * 24 * time.Hour
	defaultAuthQueue      = "auth_queue"
)

// ブローカードライバー名。
const (
	// DriverNATS はNATS（JetStream）を使用する。
	DriverNATS = "nats"
	// DriverMemory はプロセス内ブローカーを使用する。
	DriverMemory = "memory"
)

// 下流サービス名。
const (
	// ServiceUsers はユーザーサービスのエンドポイント名。
	ServiceUsers = "users"
	// ServiceAuth は認証サービスのエンドポイント名。
	ServiceAuth = "auth"
)

// ServiceEndpoint は下流サービス1つ分の接続先。読み込み後は変更しない。
type ServiceEndpoint struct {
	// Name はサービス名。
	Name string
	// BrokerURL はブローカーの接続URL。
	BrokerURL string
	// Queue はリクエストを送るキュー名。
	Queue string
	// Durable はキューをブローカー再起動後も保持するかどうか。
	Durable bool
}

// Config はアプリケーション全体の設定。
type Config struct {
	Server ServerConfig   `yaml:"server"`
	Broker BrokerConfig   `yaml:"broker"`
	Users  EndpointConfig `yaml:"users"`
	Auth   EndpointConfig `yaml:"auth"`
	Logger logger.Config  `yaml:"logger"`
	// Routes は既定のルート表を置き換える。空なら既定のルート表を使う。
	Routes []RouteConfig `yaml:"routes" ignored:"true"`
}

// ServerConfig はHTTPサーバーと下流サービスのプロセス設定。
type ServerConfig struct {
	Port          string        `yaml:"port" envconfig:"PORT"`
	JWTSecret     string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	FrontendURL   string        `yaml:"frontend_url" envconfig:"FRONTEND_URL"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" envconfig:"SHUTDOWN_GRACE"`
	DBPath        string        `yaml:"db_path" envconfig:"DB_PATH"`
	// AccessTokenTTL とRefreshTokenTTL は認証サービスが発行するトークンの有効期間。
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" envconfig:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" envconfig:"REFRESH_TOKEN_TTL"`
}

// BrokerConfig はブローカー接続とRPC呼び出しの設定。
type BrokerConfig struct {
	Driver         string        `yaml:"driver" split_words:"true"`
	FailFast       bool          `yaml:"fail_fast" split_words:"true"`
	DefaultTimeout time.Duration `yaml:"default_timeout" split_words:"true"`
	SweepInterval  time.Duration `yaml:"sweep_interval" split_words:"true"`
	InitialBackoff time.Duration `yaml:"initial_backoff" split_words:"true"`
	MaxBackoff     time.Duration `yaml:"max_backoff" split_words:"true"`
	// MaxAttempts は再接続の最大試行回数。0なら無制限。
	MaxAttempts int `yaml:"max_attempts" split_words:"true"`
}

// EndpointConfig は下流サービス1つ分の設定。
type EndpointConfig struct {
	BrokerURL string `yaml:"broker_url" split_words:"true"`
	Queue     string `yaml:"queue"`
	// Durable は未設定ならtrueとして扱う。
	Durable *bool `yaml:"durable"`
}

// RouteConfig はYAMLで定義するルート1件。
type RouteConfig struct {
	Kind    string        `yaml:"kind"`
	Service string        `yaml:"service"`
	Queue   string        `yaml:"queue"`
	Pattern string        `yaml:"pattern"`
	Timeout time.Duration `yaml:"timeout"`

	// Public は汎用エンドポイントからの呼び出しを許可するかどうか。
	Public bool `yaml:"public"`
}

// Load は設定ファイルと環境変数から設定を読み込む。
// 環境変数はファイルの値より優先される。pathが空ならファイルは読まない。
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	return cfg, nil
}

// loadFromFile はYAMLファイルを読み込む。未知のキーはエラーにする。
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

// applyDefaults は未設定の項目に既定値を設定する。
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = defaultPort
	}
	if c.Server.FrontendURL == "" {
		c.Server.FrontendURL = defaultFrontendURL
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = defaultShutdownGrace
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = defaultDBPath
	}
	if c.Server.AccessTokenTTL == 0 {
		c.Server.AccessTokenTTL = defaultAccessTTL
	}
	if c.Server.RefreshTokenTTL == 0 {
		c.Server.RefreshTokenTTL = defaultRefreshTTL
	}
	if c.Broker.Driver == "" {
		c.Broker.Driver = defaultDriver
	}
	if c.Broker.DefaultTimeout == 0 {
		c.Broker.DefaultTimeout = defaultTimeout
	}
	if c.Broker.SweepInterval == 0 {
		c.Broker.SweepInterval = defaultSweepInterval
	}
	if c.Broker.InitialBackoff == 0 {
		c.Broker.InitialBackoff = defaultInitialBackoff
	}
	if c.Broker.MaxBackoff == 0 {
		c.Broker.MaxBackoff = defaultMaxBackoff
	}
	if c.Users.Queue == "" {
		c.Users.Queue = defaultUsersQueue
	}
	if c.Auth.Queue == "" {
		c.Auth.Queue = defaultAuthQueue
	}
	if c.Broker.Driver == DriverMemory {
		// プロセス内ブローカーはURLを使わないため、名前だけ埋めておく。
		if c.Users.BrokerURL == "" {
			c.Users.BrokerURL = "memory://local"
		}
		if c.Auth.BrokerURL == "" {
			c.Auth.BrokerURL = "memory://local"
		}
	}
}

// Validate は設定を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRETが設定されていません"))
	}
	if c.Server.AccessTokenTTL < 0 || c.Server.RefreshTokenTTL < c.Server.AccessTokenTTL {
		errs = append(errs, fmt.Errorf("トークンの有効期間が不正です: access=%s, refresh=%s", c.Server.AccessTokenTTL, c.Server.RefreshTokenTTL))
	}
	if c.Broker.Driver != DriverNATS && c.Broker.Driver != DriverMemory {
		errs = append(errs, fmt.Errorf("ブローカードライバーが不正です: %q", c.Broker.Driver))
	}
	if c.Broker.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("既定タイムアウトが不正です: %s", c.Broker.DefaultTimeout))
	}
	if c.Broker.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("最大試行回数が不正です: %d", c.Broker.MaxAttempts))
	}
	if c.Broker.InitialBackoff > c.Broker.MaxBackoff {
		errs = append(errs, fmt.Errorf("初回待機時間 %s が最大待機時間 %s を超えています", c.Broker.InitialBackoff, c.Broker.MaxBackoff))
	}
	for name, ep := range map[string]EndpointConfig{ServiceUsers: c.Users, ServiceAuth: c.Auth} {
		if ep.BrokerURL == "" {
			errs = append(errs, fmt.Errorf("%sサービスのブローカーURLが設定されていません", name))
		}
		if ep.Queue == "" {
			errs = append(errs, fmt.Errorf("%sサービスのキュー名が設定されていません", name))
		}
	}
	for i, r := range c.Routes {
		if r.Kind == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: kindが設定されていません", i))
		}
		if r.Service != ServiceUsers && r.Service != ServiceAuth {
			errs = append(errs, fmt.Errorf("routes[%d]: 未知のサービスです: %q", i, r.Service))
		}
		if r.Timeout < 0 {
			errs = append(errs, fmt.Errorf("routes[%d]: タイムアウトが不正です: %s", i, r.Timeout))
		}
	}
	return errors.Join(errs...)
}

// Endpoints は下流サービスの接続先一覧を返す。
func (c *Config) Endpoints() []ServiceEndpoint {
	return []ServiceEndpoint{
		c.Users.endpoint(ServiceUsers),
		c.Auth.endpoint(ServiceAuth),
	}
}

// Endpoint は指定サービスの接続先を返す。
func (c *Config) Endpoint(name string) (ServiceEndpoint, bool) {
	for _, ep := range c.Endpoints() {
		if ep.Name == name {
			return ep, true
		}
	}
	return ServiceEndpoint{}, false
}

// endpoint はServiceEndpointに変換する。
func (e EndpointConfig) endpoint(name string) ServiceEndpoint {
	durable := true
	if e.Durable != nil {
		durable = *e.Durable
	}
	return ServiceEndpoint{
		Name:      name,
		BrokerURL: e.BrokerURL,
		Queue:     e.Queue,
		Durable:   durable,
	}
}
