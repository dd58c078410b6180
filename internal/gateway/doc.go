// Package gateway はゲートウェイのHTTPフロントドアを提供する。
//
// 外部からのHTTPリクエストを受け付け、JWTで認証したうえでリクエスト種別に変換し、
// ルーター経由でブローカー上の下流サービス（users、auth）へ転送する。
// 下流サービスのエラーは {"error": {"code", "message"}} 形式に変換して返す。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
package gateway
