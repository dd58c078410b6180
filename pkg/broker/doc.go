// Package broker はRPCで使用するメッセージブローカーへのトランスポートを提供する。
//
// ゲートウェイと下流サービスはこのパッケージのConnインターフェースだけに依存する。
// 本番ではNATS（永続キューはJetStream）を、テストとローカル開発では
// プロセス内で完結するMemoryブローカーを使用する。
//
// リクエストメッセージはキュー名（Subject）、相関ID、返信先、パターン、ボディを持ち、
// 応答メッセージは相関ID、ボディ、エラーマーカー（Failed）を持つ。
package broker
