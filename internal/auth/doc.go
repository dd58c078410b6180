// Package auth は認証サービスを実装する。
//
// アクセストークンとリフレッシュトークン（どちらもHS256のJWT）を発行し、
// リフレッシュトークンの発行記録をSQLiteに保存して、ローテーションと失効を管理する。
// 署名鍵はゲートウェイと共有し、ゲートウェイはアクセストークンを自身で検証する。
package auth
