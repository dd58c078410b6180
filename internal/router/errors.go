package router

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nao1215/micro/pkg/rpcerr"
)

// StatusClientClosedRequest は呼び出し元が待機を中断したことを示すステータスコード。
const StatusClientClosedRequest = 499

// ゲートウェイが返すエラーコード。
const (
	CodeUnknownRoute       = "unknown_route"
	CodeTimeout            = "timeout"
	CodeServiceUnavailable = "service_unavailable"
	CodeDraining           = "draining"
	CodeCancelled          = "cancelled"
	CodeRemoteError        = "remote_error"
	CodeInternal           = "internal"
)

// publicCodes は下流サービスのエラーコードのうち、そのまま呼び出し元へ返すものとそのステータス。
var publicCodes = map[string]int{
	rpcerr.CodeInvalidArgument:  http.StatusBadRequest,
	rpcerr.CodeNotFound:         http.StatusNotFound,
	rpcerr.CodeAlreadyExists:    http.StatusConflict,
	rpcerr.CodeUnauthenticated:  http.StatusUnauthorized,
	rpcerr.CodePermissionDenied: http.StatusForbidden,
}

// GatewayError はゲートウェイが呼び出し元へ返すエラー。
type GatewayError struct {
	// Status はHTTPステータスコード。
	Status int `json:"-"`
	// Code は機械可読なエラーコード。
	Code string `json:"code"`
	// Message は人間向けのエラーメッセージ。
	Message string `json:"message"`
}

// Error はエラーメッセージを返す。
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// NewError はGatewayErrorを生成する。
func NewError(status int, code, message string) *GatewayError {
	return &GatewayError{Status: status, Code: code, Message: message}
}

// Translate はエラーをゲートウェイ向けのエラーに変換する。errがnilならnilを返す。
// 下流サービスのエラーは公開してよいコードの場合だけコードとメッセージを引き継ぎ、
// 生の応答ボディは含めない。
func Translate(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}

	var remote *rpcerr.RemoteError
	switch {
	case errors.As(err, &remote):
		if status, ok := publicCodes[remote.Code]; ok {
			return NewError(status, remote.Code, remote.Message)
		}
		return NewError(http.StatusBadGateway, CodeRemoteError, "下流サービスでエラーが発生しました")
	case errors.Is(err, ErrUnknownRoute):
		return NewError(http.StatusNotFound, CodeUnknownRoute, "未知のリクエスト種別です")
	case errors.Is(err, rpcerr.ErrTimeout):
		return NewError(http.StatusGatewayTimeout, CodeTimeout, "下流サービスからの応答がタイムアウトしました")
	case errors.Is(err, rpcerr.ErrDraining):
		return NewError(http.StatusServiceUnavailable, CodeDraining, "シャットダウン処理中です")
	case errors.Is(err, rpcerr.ErrConnection):
		return NewError(http.StatusServiceUnavailable, CodeServiceUnavailable, "下流サービスに接続できません")
	case errors.Is(err, rpcerr.ErrCancelled):
		return NewError(StatusClientClosedRequest, CodeCancelled, "リクエストがキャンセルされました")
	default:
		return NewError(http.StatusInternalServerError, CodeInternal, "内部エラーが発生しました")
	}
}
