// Package middleware はゲートウェイのHTTP APIで使用するGinミドルウェアを提供する。
//
// アクセストークンの検証、構造化ログによるアクセスログ、パニックリカバリ、
// CORS設定と、エラーレスポンスの共通形式 {"error": {"code", "message"}} を含む。
// トークンの生成と検証は認証サービスでも使用する。
package middleware
