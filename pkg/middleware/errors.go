package middleware

import "github.com/gin-gonic/gin"

// ミドルウェアが返すエラーコード。
const (
	// CodeUnauthenticated は認証に失敗したことを示す。
	CodeUnauthenticated = "unauthenticated"
	// CodeInternal はサーバー内部の障害を示す。
	CodeInternal = "internal"
)

// ErrorBody はエラーレスポンスのerrorフィールド。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse はエラーレスポンスの形式。
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// AbortWithError はエラーレスポンスを返して後続の処理を中断する。
func AbortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}
