package router

import (
	"time"

	"github.com/nao1215/micro/pkg/config"
)

// 既定のリクエスト種別。
const (
	KindUsersSignUp              = "users.sign_up"
	KindUsersVerifyCredentials   = "users.verify_credentials"
	KindUsersGetProfile          = "users.get_profile"
	KindUsersUpdateProfile       = "users.update_profile"
	KindUsersUsernameExists      = "users.username_exists"
	KindUsersGetUserIDByUsername = "users.get_user_id_by_username"
	KindUsersChangePassword      = "users.change_password"
	KindUsersDeleteUser          = "users.delete_user"

	KindAuthIssueTokens                 = "auth.issue_tokens"
	KindAuthValidateAccessToken         = "auth.validate_access_token"
	KindAuthRefreshToken                = "auth.refresh_token"
	KindAuthIsRefreshTokenValid         = "auth.is_refresh_token_valid"
	KindAuthGetRefreshTokensInformation = "auth.get_refresh_tokens_information"
	KindAuthLogOut                      = "auth.log_out"
	KindAuthRevokeRefreshToken          = "auth.revoke_refresh_token"
	KindAuthRevokeRefreshTokens         = "auth.revoke_refresh_tokens"
)

// passwordHashTimeout はパスワードハッシュを伴う種別の応答待ち時間。
const passwordHashTimeout = 10 * time.Second

// builtinRoutes は既定のルート表。パターンは下流サービスが登録する名前と一致させる。
// 本人以外のデータに触れる種別と、ゲートウェイの手順の途中で呼ぶ種別は非公開にする。
var builtinRoutes = []Route{
	{Kind: KindUsersSignUp, Endpoint: config.ServiceUsers, Pattern: "sign_up", Timeout: passwordHashTimeout},
	{Kind: KindUsersVerifyCredentials, Endpoint: config.ServiceUsers, Pattern: "verify_credentials", Timeout: passwordHashTimeout},
	{Kind: KindUsersGetProfile, Endpoint: config.ServiceUsers, Pattern: "get_profile"},
	{Kind: KindUsersUpdateProfile, Endpoint: config.ServiceUsers, Pattern: "update_profile", Public: true},
	{Kind: KindUsersUsernameExists, Endpoint: config.ServiceUsers, Pattern: "username_exists", Public: true},
	{Kind: KindUsersGetUserIDByUsername, Endpoint: config.ServiceUsers, Pattern: "get_user_id_by_username"},
	{Kind: KindUsersChangePassword, Endpoint: config.ServiceUsers, Pattern: "change_password", Timeout: passwordHashTimeout},
	{Kind: KindUsersDeleteUser, Endpoint: config.ServiceUsers, Pattern: "delete_user", Timeout: passwordHashTimeout},

	{Kind: KindAuthIssueTokens, Endpoint: config.ServiceAuth, Pattern: "issue_tokens"},
	{Kind: KindAuthValidateAccessToken, Endpoint: config.ServiceAuth, Pattern: "validate_access_token", Public: true},
	{Kind: KindAuthRefreshToken, Endpoint: config.ServiceAuth, Pattern: "refresh_token"},
	{Kind: KindAuthIsRefreshTokenValid, Endpoint: config.ServiceAuth, Pattern: "is_refresh_token_valid", Public: true},
	{Kind: KindAuthGetRefreshTokensInformation, Endpoint: config.ServiceAuth, Pattern: "get_refresh_tokens_information", Public: true},
	{Kind: KindAuthLogOut, Endpoint: config.ServiceAuth, Pattern: "log_out", Public: true},
	{Kind: KindAuthRevokeRefreshToken, Endpoint: config.ServiceAuth, Pattern: "revoke_refresh_token", Public: true},
	{Kind: KindAuthRevokeRefreshTokens, Endpoint: config.ServiceAuth, Pattern: "revoke_refresh_tokens", Public: true},
}

// DefaultRoutes は設定に従ったルート表を返す。
// 設定ファイルにroutesがあればそれを使い、なければ既定のルート表を返す。
func DefaultRoutes(cfg *config.Config) []Route {
	if cfg == nil || len(cfg.Routes) == 0 {
		return append([]Route(nil), builtinRoutes...)
	}
	routes := make([]Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		routes = append(routes, Route{
			Kind:     rc.Kind,
			Endpoint: rc.Service,
			Queue:    rc.Queue,
			Pattern:  rc.Pattern,
			Timeout:  rc.Timeout,
			Public:   rc.Public,
		})
	}
	return routes
}
