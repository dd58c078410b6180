// Package rpc はメッセージブローカー上のリクエスト/応答型RPCを提供する。
//
// クライアント側（Client）はリクエストに相関IDと返信先を付けてキューへ送り、
// 返信用受信箱に届いた応答を相関レジストリ経由で受け取る。
// 応答はどの順序で届いてもよく、相関IDによって呼び出し元と対応付けられる。
//
// サーバー側（Server）はキューからリクエストを受け取り、パターンごとのハンドラで処理して
// リクエストの返信先へ応答を送る。ハンドラの同時実行数はセマフォで制限する。
package rpc
