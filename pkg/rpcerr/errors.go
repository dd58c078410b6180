// Package rpcerr はブローカー経由のRPCで発生するエラーの分類を提供する。
//
// 接続管理、相関レジストリ、RPCクライアント、ルーターの各層が同じ分類を共有できるよう、
// 依存を持たない葉パッケージとして切り出している。
package rpcerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConnection はブローカーへの接続が利用できないことを示す。
	ErrConnection = errors.New("ブローカーへの接続が利用できません")
	// ErrTimeout は期限までに応答が得られなかったことを示す。
	ErrTimeout = errors.New("応答待ちがタイムアウトしました")
	// ErrCancelled は呼び出し元によって待機が中断されたことを示す。
	ErrCancelled = errors.New("呼び出しがキャンセルされました")
	// ErrRemote は下流サービスが明示的に失敗を返したことを示す。
	ErrRemote = errors.New("下流サービスがエラーを返しました")
	// ErrDraining はシャットダウン中のため新しい呼び出しを受け付けないことを示す。
	ErrDraining = errors.New("シャットダウン処理中のため呼び出しを受け付けません")
)

// 下流サービスが返すエラーコード。
const (
	// CodeInvalidArgument はリクエストの内容が不正であることを示す。
	CodeInvalidArgument = "invalid_argument"
	// CodeNotFound は対象が存在しないことを示す。
	CodeNotFound = "not_found"
	// CodeAlreadyExists は対象が既に存在することを示す。
	CodeAlreadyExists = "already_exists"
	// CodeUnauthenticated は認証に失敗したことを示す。
	CodeUnauthenticated = "unauthenticated"
	// CodePermissionDenied は権限がないことを示す。
	CodePermissionDenied = "permission_denied"
	// CodeUnimplemented は未対応のパターンが指定されたことを示す。
	CodeUnimplemented = "unimplemented"
	// CodeInternal は下流サービス内部の障害を示す。
	CodeInternal = "internal"
)

// ConnectionError は特定のエンドポイントへの接続失敗を表す。
type ConnectionError struct {
	// Endpoint は接続先サービス名。
	Endpoint string
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Endpoint, ErrConnection.Error())
	}
	return fmt.Sprintf("%s: %s: %v", e.Endpoint, ErrConnection.Error(), e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is はErrConnectionとの比較を可能にする。
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// NewConnectionError はConnectionErrorを生成する。
func NewConnectionError(endpoint string, err error) error {
	return &ConnectionError{Endpoint: endpoint, Err: err}
}

// RemoteError は下流サービスが返したエラー応答を表す。
type RemoteError struct {
	// Endpoint は応答を返したサービス名。
	Endpoint string
	// Code は下流サービスが付与したエラーコード。
	Code string
	// Message は下流サービスが付与したエラーメッセージ。
	Message string
	// Payload はエラー応答の生のボディ。
	Payload []byte
}

// Error はエラーメッセージを返す。
func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Endpoint, ErrRemote.Error())
	}
	return fmt.Sprintf("%s: %s: code=%s, message=%s", e.Endpoint, ErrRemote.Error(), e.Code, e.Message)
}

// Is はErrRemoteとの比較を可能にする。
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Status は下流サービスが返すエラー応答ボディの形式。
type Status struct {
	// Code は機械可読なエラーコード。
	Code string `json:"code"`
	// Message は人間向けのエラーメッセージ。
	Message string `json:"message"`
}

// Error はエラーメッセージを返す。
// ハンドラがそのままerrorとして返せるようにする。
func (s *Status) Error() string {
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Errorf は下流サービスのハンドラが返すエラーを生成する。
func Errorf(code, format string, args ...any) error {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ParseRemote はエラー応答ボディからRemoteErrorを組み立てる。
// ボディがStatus形式でない場合もPayloadは保持する。
func ParseRemote(endpoint string, payload []byte) *RemoteError {
	remote := &RemoteError{Endpoint: endpoint, Payload: payload}
	var st Status
	if err := json.Unmarshal(payload, &st); err == nil {
		remote.Code = st.Code
		remote.Message = st.Message
	}
	return remote
}
