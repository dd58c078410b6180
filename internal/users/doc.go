// Package users はユーザーサービスを実装する。
//
// ゲートウェイからブローカー経由で届く sign_up、verify_credentials、get_profile、
// update_profile、username_exists、delete_user の各パターンを処理する。
// ユーザー情報はSQLiteに保存し、パスワードはbcryptでハッシュ化する。
// 認証済みユーザーのIDはゲートウェイが付与するX-User-IDヘッダーから受け取る。
package users
