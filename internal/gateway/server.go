package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/micro/internal/router"
	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/middleware"
	"github.com/nao1215/micro/pkg/rpc"
	"github.com/nao1215/micro/pkg/rpcerr"
)

// emptyObject は本文を持たないリクエストで下流サービスへ送るボディ。
var emptyObject = []byte("{}")

// Options はServerの生成に必要な依存。
type Options struct {
	// Router はリクエスト種別を下流サービスへ転送するルーター。
	Router *router.Router
	// Health は/healthで返す接続状態。nilなら常にokを返す。
	Health *Health
	// JWTSecret はアクセストークンの検証に使う署名鍵。
	JWTSecret string
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string
	// Logger はアクセスログとエラーログの出力先。
	Logger *zap.Logger
	// Gatherer は/metricsで公開するメトリクス。nilなら/metricsを登録しない。
	Gatherer prometheus.Gatherer
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// engine はGinのHTTPルーター。
	engine *gin.Engine
	// routes は下流サービスへの転送を行うルーター。
	routes *router.Router
	// health は接続状態。
	health *Health
	// jwtSecret はJWT検証用の秘密鍵。
	jwtSecret string
	// logger はログ出力先。
	logger *zap.Logger
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(middleware.Recovery(logger))
	engine.Use(middleware.RequestLogger(logger))
	engine.Use(middleware.CORS([]string{opts.FrontendURL}))

	s := &Server{
		engine:    engine,
		routes:    opts.Router,
		health:    opts.Health,
		jwtSecret: opts.JWTSecret,
		logger:    logger,
	}
	s.setupRoutes(opts.Gatherer)
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Drain は新しい転送を止め、処理中の転送の完了を待つ。
func (s *Server) Drain(ctx context.Context) error {
	return s.routes.Drain(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	// 認証エンドポイント（認証不要）
	auth := s.engine.Group("/auth")
	{
		auth.POST("/sign-up", s.handleSignUp())
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh", s.handleForward(router.KindAuthRefreshToken))
		auth.POST("/logout", s.handleForward(router.KindAuthLogOut))
	}

	// ユーザー名の使用可否（登録画面から認証前に参照される）
	s.engine.GET("/api/v1/users/exists/:username", s.handleUsernameExists())

	// 認証必須のAPIエンドポイント
	api := s.engine.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		api.GET("/me", s.handleForwardEmpty(router.KindUsersGetProfile))
		api.PATCH("/me", s.handleForward(router.KindUsersUpdateProfile))
		api.DELETE("/me", s.handleDeleteMe())
		api.PUT("/me/password", s.handleChangePassword())
		api.GET("/me/sessions", s.handleForwardEmpty(router.KindAuthGetRefreshTokensInformation))
		api.DELETE("/me/sessions/:id", s.handleRevokeSession())

		// 任意のリクエスト種別の転送
		api.POST("/rpc/:kind", s.handleRPC())
	}

	// ヘルスチェック
	s.engine.GET("/health", s.handleHealth())

	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// handleForward はリクエストボディをそのままkindへ転送するハンドラを返す。
func (s *Server) handleForward(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := s.readJSON(c)
		if !ok {
			return
		}
		s.respond(c, http.StatusOK, kind, body)
	}
}

// handleForwardEmpty はボディを持たないリクエストをkindへ転送するハンドラを返す。
func (s *Server) handleForwardEmpty(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, http.StatusOK, kind, emptyObject)
	}
}

// handleSignUp はユーザー登録を処理するハンドラを返す。
func (s *Server) handleSignUp() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := s.readJSON(c)
		if !ok {
			return
		}
		s.respond(c, http.StatusCreated, router.KindUsersSignUp, body)
	}
}

// credentials はverify_credentialsの応答のうちトークン発行に必要な部分。
type credentials struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// handleLogin はログインを処理するハンドラを返す。
// ユーザーサービスで資格情報を確認した後、認証サービスでトークンを発行する。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := s.readJSON(c)
		if !ok {
			return
		}

		res, err := s.routes.Route(c.Request.Context(), router.KindUsersVerifyCredentials, body, s.callOptions(c)...)
		if err != nil {
			s.abort(c, err)
			return
		}
		var cred credentials
		if err := json.Unmarshal(res.Payload, &cred); err != nil || cred.UserID == "" {
			s.logger.Error("資格情報の応答が不正です", zap.Error(err))
			s.abort(c, router.NewError(http.StatusBadGateway, router.CodeRemoteError, "下流サービスの応答が不正です"))
			return
		}

		issueReq, err := json.Marshal(cred)
		if err != nil {
			s.abort(c, err)
			return
		}
		s.respond(c, http.StatusOK, router.KindAuthIssueTokens, issueReq)
	}
}

// handleUsernameExists はユーザー名の存在確認を処理するハンドラを返す。
func (s *Server) handleUsernameExists() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := json.Marshal(map[string]string{"username": c.Param("username")})
		if err != nil {
			s.abort(c, err)
			return
		}
		s.respond(c, http.StatusOK, router.KindUsersUsernameExists, body)
	}
}

// handleDeleteMe は退会を処理するハンドラを返す。
// ユーザーの削除に成功した後、そのユーザーのリフレッシュトークンをすべて失効させる。
func (s *Server) handleDeleteMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := s.readJSON(c)
		if !ok {
			return
		}

		res, err := s.routes.Route(c.Request.Context(), router.KindUsersDeleteUser, body, s.callOptions(c)...)
		if err != nil {
			s.abort(c, err)
			return
		}

		// ユーザーは削除済みのため、失効に失敗しても退会自体は成功として返す。
		if _, err := s.routes.Route(c.Request.Context(), router.KindAuthRevokeRefreshTokens, emptyObject, s.callOptions(c)...); err != nil {
			s.logger.Warn("退会ユーザーのトークン失効に失敗しました",
				zap.String("user_id", middleware.GetUserID(c)),
				zap.Error(err),
			)
		}
		c.Data(http.StatusOK, "application/json", res.Payload)
	}
}

// handleRPC は公開されたリクエスト種別を転送するハンドラを返す。
// 非公開の種別は存在しない種別と同じく404を返し、ブローカーには触れない。
func (s *Server) handleRPC() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := c.Param("kind")
		if _, ok := s.routes.LookupPublic(kind); !ok {
			s.abort(c, fmt.Errorf("%w: %s", router.ErrUnknownRoute, kind))
			return
		}
		body, ok := s.readJSON(c)
		if !ok {
			return
		}
		s.respond(c, http.StatusOK, kind, body)
	}
}

// handleChangePassword はパスワード変更を処理するハンドラを返す。
// 変更に成功した後、既存のリフレッシュトークンをすべて失効させる。
func (s *Server) handleChangePassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := s.readJSON(c)
		if !ok {
			return
		}

		res, err := s.routes.Route(c.Request.Context(), router.KindUsersChangePassword, body, s.callOptions(c)...)
		if err != nil {
			s.abort(c, err)
			return
		}

		if _, err := s.routes.Route(c.Request.Context(), router.KindAuthRevokeRefreshTokens, emptyObject, s.callOptions(c)...); err != nil {
			s.logger.Warn("パスワード変更後のトークン失効に失敗しました",
				zap.String("user_id", middleware.GetUserID(c)),
				zap.Error(err),
			)
		}
		c.Data(http.StatusOK, "application/json", res.Payload)
	}
}

// handleRevokeSession は指定したリフレッシュトークンを失効させるハンドラを返す。
func (s *Server) handleRevokeSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := json.Marshal(map[string]string{"token_id": c.Param("id")})
		if err != nil {
			s.abort(c, err)
			return
		}
		s.respond(c, http.StatusOK, router.KindAuthRevokeRefreshToken, body)
	}
}

// handleHealth は接続状態を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
			return
		}
		healthy, endpoints := s.health.Snapshot()
		status, code := "ok", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "service": "gateway", "endpoints": endpoints})
	}
}

// respond はkindへ転送し、応答ボディをそのままstatusで返す。
func (s *Server) respond(c *gin.Context, status int, kind string, body []byte) {
	res, err := s.routes.Route(c.Request.Context(), kind, body, s.callOptions(c)...)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Data(status, "application/json", res.Payload)
}

// callOptions は認証済みユーザーIDとリクエストIDを下流サービスへ伝播するオプションを返す。
func (s *Server) callOptions(c *gin.Context) []rpc.CallOption {
	var opts []rpc.CallOption
	if userID := middleware.GetUserID(c); userID != "" {
		opts = append(opts, rpc.WithHeader(broker.HeaderUserID, userID))
	}
	if requestID := middleware.GetRequestID(c); requestID != "" {
		opts = append(opts, rpc.WithHeader(middleware.HeaderRequestID, requestID))
	}
	return opts
}

// readJSON はリクエストボディを読み込む。空のボディは {} として扱う。
// JSONとして不正な場合は400を返してfalseを返す。
func (s *Server) readJSON(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, rpcerr.CodeInvalidArgument, "リクエストボディを読み込めません")
		return nil, false
	}
	if len(body) == 0 {
		return emptyObject, true
	}
	if !json.Valid(body) {
		middleware.AbortWithError(c, http.StatusBadRequest, rpcerr.CodeInvalidArgument, "リクエストボディがJSONではありません")
		return nil, false
	}
	return body, true
}

// abort はエラーをゲートウェイのエラー応答に変換して返す。
func (s *Server) abort(c *gin.Context, err error) {
	gwErr := router.Translate(err)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("code", gwErr.Code),
		zap.Error(err),
	}
	var remote *rpcerr.RemoteError
	switch {
	case gwErr.Status >= http.StatusInternalServerError:
		s.logger.Error("下流サービスへの転送に失敗しました", fields...)
	case errors.As(err, &remote):
		s.logger.Debug("下流サービスがエラーを返しました", fields...)
	default:
		s.logger.Info("リクエストを拒否しました", fields...)
	}
	middleware.AbortWithError(c, gwErr.Status, gwErr.Code, gwErr.Message)
}
