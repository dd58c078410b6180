package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/middleware"
	"github.com/nao1215/micro/pkg/rpc"
	"github.com/nao1215/micro/pkg/rpcerr"
)

// 認証サービスが処理するパターン。
const (
	PatternIssueTokens                 = "issue_tokens"
	PatternValidateAccessToken         = "validate_access_token"
	PatternRefreshToken                = "refresh_token"
	PatternIsRefreshTokenValid         = "is_refresh_token_valid"
	PatternGetRefreshTokensInformation = "get_refresh_tokens_information"
	PatternLogOut                      = "log_out"
	PatternRevokeRefreshToken          = "revoke_refresh_token"
	PatternRevokeRefreshTokens         = "revoke_refresh_tokens"
)

// tokenTypeBearer はトークン応答のtoken_type。
const tokenTypeBearer = "Bearer"

// Service は認証サービスのリクエスト処理を行う。
type Service struct {
	store      *Store
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithLogger はログ出力先を設定する。
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTTL はアクセストークンとリフレッシュトークンの有効期間を設定する。
func WithTTL(access, refresh time.Duration) Option {
	return func(s *Service) {
		if access > 0 {
			s.accessTTL = access
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
	}
}

// WithClock はトークン記録に使う現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService はServiceを生成する。secretはトークンの署名鍵でゲートウェイと共有する。
func NewService(store *Store, secret string, opts ...Option) *Service {
	s := &Service{
		store:      store,
		secret:     secret,
		accessTTL:  15 * time.Minute,
		refreshTTL: 7 * 24 * time.Hour,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register はハンドラをRPCサーバーに登録する。
func (s *Service) Register(srv *rpc.Server) {
	srv.Handle(PatternIssueTokens, s.handleIssueTokens)
	srv.Handle(PatternValidateAccessToken, s.handleValidateAccessToken)
	srv.Handle(PatternRefreshToken, s.handleRefreshToken)
	srv.Handle(PatternIsRefreshTokenValid, s.handleIsRefreshTokenValid)
	srv.Handle(PatternGetRefreshTokensInformation, s.handleGetRefreshTokensInformation)
	srv.Handle(PatternLogOut, s.handleLogOut)
	srv.Handle(PatternRevokeRefreshToken, s.handleRevokeRefreshToken)
	srv.Handle(PatternRevokeRefreshTokens, s.handleRevokeRefreshTokens)
}

// RunJanitor はintervalごとに期限切れのリフレッシュトークンを削除する。ctxが終了するまで戻らない。
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpired(ctx, s.now())
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("期限切れトークンの削除に失敗しました", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				s.logger.Info("期限切れトークンを削除しました", zap.Int64("count", n))
			}
		}
	}
}

// IssueTokensRequest はトークン発行リクエスト。
// ユーザーサービスでの資格情報の確認後にゲートウェイから送られる。
type IssueTokensRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// TokenPair は発行したトークンの組。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	// ExpiresIn はアクセストークンの有効期間（秒）。
	ExpiresIn int64 `json:"expires_in"`
}

// AccessTokenRequest はアクセストークンの検証リクエスト。
type AccessTokenRequest struct {
	AccessToken string `json:"access_token"`
}

// AccessTokenResponse は検証に成功したアクセストークンの内容。
type AccessTokenResponse struct {
	Valid     bool   `json:"valid"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	ExpiresAt int64  `json:"expires_at"`
}

// RefreshTokenRequest はリフレッシュトークンを受け取るリクエスト。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// ValidityResponse はリフレッシュトークンが使用可能かどうか。
type ValidityResponse struct {
	Valid bool `json:"valid"`
}

// TokenInfo は有効なリフレッシュトークンの発行記録。時刻はUNIX秒。
type TokenInfo struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// TokensInformationResponse はリフレッシュトークンの一覧。
type TokensInformationResponse struct {
	Tokens []TokenInfo `json:"tokens"`
}

// RevokeTokenRequest はIDを指定したリフレッシュトークンの失効リクエスト。
type RevokeTokenRequest struct {
	TokenID string `json:"token_id"`
}

// LogOutResponse はログアウトの結果。既に失効済みの場合もエラーにはしない。
type LogOutResponse struct {
	Revoked bool `json:"revoked"`
}

// RevokeResponse は一括失効の結果。
type RevokeResponse struct {
	Revoked int64 `json:"revoked"`
}

// handleIssueTokens はアクセストークンとリフレッシュトークンを発行する。
func (s *Service) handleIssueTokens(ctx context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[IssueTokensRequest](req)
	if err != nil {
		return nil, err
	}
	if in.UserID == "" || in.Username == "" {
		return nil, rpc.Errorf(rpcerr.CodeInvalidArgument, "user_idとusernameは必須です")
	}

	token, pair, err := s.newPair(in.UserID, in.Username)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, token); err != nil {
		return nil, err
	}

	s.logger.Info("トークンを発行しました", zap.String("user_id", in.UserID), zap.String("token_id", token.ID))
	return pair, nil
}

// handleValidateAccessToken はアクセストークンを検証する。
func (s *Service) handleValidateAccessToken(_ context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[AccessTokenRequest](req)
	if err != nil {
		return nil, err
	}
	claims, err := middleware.ParseJWT(s.secret, in.AccessToken, middleware.TokenTypeAccess)
	if err != nil {
		return nil, rpc.Errorf(rpcerr.CodeUnauthenticated, "アクセストークンが無効です")
	}
	return AccessTokenResponse{
		Valid:     true,
		UserID:    claims.UserID,
		Username:  claims.Username,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}

// handleRefreshToken はリフレッシュトークンを失効させ、新しいトークンの組を発行する。
// 同じリフレッシュトークンは1回しか使えない。
func (s *Service) handleRefreshToken(ctx context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[RefreshTokenRequest](req)
	if err != nil {
		return nil, err
	}
	claims, err := middleware.ParseJWT(s.secret, in.RefreshToken, middleware.TokenTypeRefresh)
	if err != nil || claims.ID == "" {
		return nil, errInvalidRefreshToken()
	}

	next, pair, err := s.newPair(claims.UserID, claims.Username)
	if err != nil {
		return nil, err
	}
	if err := s.store.Rotate(ctx, claims.ID, next, s.now()); err != nil {
		if errors.Is(err, ErrTokenNotActive) {
			s.logger.Warn("有効でないリフレッシュトークンが使用されました",
				zap.String("user_id", claims.UserID),
				zap.String("token_id", claims.ID),
			)
			return nil, errInvalidRefreshToken()
		}
		return nil, err
	}
	return pair, nil
}

// handleIsRefreshTokenValid はリフレッシュトークンがまだ使えるかどうかを返す。
// 署名や形式が不正なトークンもエラーにせずfalseを返す。
func (s *Service) handleIsRefreshTokenValid(ctx context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[RefreshTokenRequest](req)
	if err != nil {
		return nil, err
	}
	claims, err := middleware.ParseJWT(s.secret, in.RefreshToken, middleware.TokenTypeRefresh)
	if err != nil || claims.ID == "" {
		return ValidityResponse{Valid: false}, nil
	}
	token, err := s.store.Get(ctx, claims.ID)
	if errors.Is(err, ErrTokenNotActive) {
		return ValidityResponse{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return ValidityResponse{Valid: token.Active(s.now())}, nil
}

// handleGetRefreshTokensInformation は認証済みユーザーの有効なリフレッシュトークンを返す。
func (s *Service) handleGetRefreshTokensInformation(ctx context.Context, req *rpc.Request) (any, error) {
	if req.UserID == "" {
		return nil, errNoUser()
	}
	tokens, err := s.store.ListActive(ctx, req.UserID, s.now())
	if err != nil {
		return nil, err
	}
	infos := make([]TokenInfo, 0, len(tokens))
	for _, t := range tokens {
		infos = append(infos, TokenInfo{ID: t.ID, CreatedAt: t.CreatedAt.Unix(), ExpiresAt: t.ExpiresAt.Unix()})
	}
	return TokensInformationResponse{Tokens: infos}, nil
}

// handleRevokeRefreshToken は認証済みユーザーのリフレッシュトークンをIDで失効させる。
func (s *Service) handleRevokeRefreshToken(ctx context.Context, req *rpc.Request) (any, error) {
	if req.UserID == "" {
		return nil, errNoUser()
	}
	in, err := rpc.DecodeJSON[RevokeTokenRequest](req)
	if err != nil {
		return nil, err
	}
	if in.TokenID == "" {
		return nil, rpc.Errorf(rpcerr.CodeInvalidArgument, "token_idは必須です")
	}
	revoked, err := s.store.RevokeOwned(ctx, in.TokenID, req.UserID, s.now())
	if err != nil {
		return nil, err
	}
	if !revoked {
		return nil, rpc.Errorf(rpcerr.CodeNotFound, "有効なリフレッシュトークンが見つかりません")
	}
	s.logger.Info("リフレッシュトークンを失効しました", zap.String("user_id", req.UserID), zap.String("token_id", in.TokenID))
	return LogOutResponse{Revoked: true}, nil
}

// handleLogOut はリフレッシュトークンを失効させる。
// 認証済みユーザーが付与されている場合は本人のトークンに限る。
func (s *Service) handleLogOut(ctx context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[RefreshTokenRequest](req)
	if err != nil {
		return nil, err
	}
	claims, err := middleware.ParseJWT(s.secret, in.RefreshToken, middleware.TokenTypeRefresh)
	if err != nil || claims.ID == "" {
		return nil, errInvalidRefreshToken()
	}
	if req.UserID != "" && req.UserID != claims.UserID {
		return nil, rpc.Errorf(rpcerr.CodePermissionDenied, "他のユーザーのトークンは失効できません")
	}

	revoked, err := s.store.Revoke(ctx, claims.ID, s.now())
	if err != nil {
		return nil, err
	}
	if revoked {
		s.logger.Info("ログアウトしました", zap.String("user_id", claims.UserID), zap.String("token_id", claims.ID))
	}
	return LogOutResponse{Revoked: revoked}, nil
}

// handleRevokeRefreshTokens は認証済みユーザーのリフレッシュトークンをすべて失効させる。
func (s *Service) handleRevokeRefreshTokens(ctx context.Context, req *rpc.Request) (any, error) {
	if req.UserID == "" {
		return nil, errNoUser()
	}
	n, err := s.store.RevokeAll(ctx, req.UserID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("リフレッシュトークンを一括失効しました", zap.String("user_id", req.UserID), zap.Int64("count", n))
	return RevokeResponse{Revoked: n}, nil
}

// newPair はトークンの組と、記録するリフレッシュトークンを生成する。
func (s *Service) newPair(userID, username string) (*RefreshToken, TokenPair, error) {
	access, err := middleware.GenerateJWT(s.secret, middleware.TokenParams{
		UserID:    userID,
		Username:  username,
		TokenType: middleware.TokenTypeAccess,
		TokenID:   uuid.NewString(),
		TTL:       s.accessTTL,
	})
	if err != nil {
		return nil, TokenPair{}, err
	}

	now := s.now()
	token := &RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	refresh, err := middleware.GenerateJWT(s.secret, middleware.TokenParams{
		UserID:    userID,
		Username:  username,
		TokenType: middleware.TokenTypeRefresh,
		TokenID:   token.ID,
		TTL:       s.refreshTTL,
	})
	if err != nil {
		return nil, TokenPair{}, err
	}

	return token, TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL / time.Second),
	}, nil
}

func errInvalidRefreshToken() error {
	return rpc.Errorf(rpcerr.CodeUnauthenticated, "リフレッシュトークンが無効です")
}

func errNoUser() error {
	return rpc.Errorf(rpcerr.CodeUnauthenticated, "ユーザーIDが取得できません")
}
