// Package httpclient はゲートウェイのHTTP APIを呼び出すクライアントを提供する。
//
// エラー応答 {"error": {"code", "message"}} はAPIErrorとして返す。
// アクセストークンとリクエストIDはコンテキスト経由で渡す。
// 運用ツールやエンドツーエンドのテストから使用する。
package httpclient
