package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// トークン種別。
const (
	// TokenTypeAccess はAPIアクセスに使うトークン。
	TokenTypeAccess = "access"
	// TokenTypeRefresh はアクセストークンの再発行に使うトークン。
	TokenTypeRefresh = "refresh"
)

// Issuer はトークンの発行者名。
const Issuer = "micro-auth"

// ErrTokenType はトークン種別が期待と異なることを示す。
var ErrTokenType = errors.New("トークン種別が不正です")

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// ユーザーIDはゲートウェイから下流サービスへX-User-IDヘッダーで伝播する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Username はユーザー名。
	Username string `json:"username"`
	// TokenType はaccessまたはrefresh。
	TokenType string `json:"token_type"`
}

// TokenParams はトークン生成の入力。
type TokenParams struct {
	// UserID はユーザーID。
	UserID string
	// Username はユーザー名。
	Username string
	// TokenType はトークン種別。空ならaccess。
	TokenType string
	// TokenID はトークンの識別子（jti）。リフレッシュトークンの失効管理に使う。
	TokenID string
	// TTL は有効期間。
	TTL time.Duration
}

// headerKeyUserID はユーザーIDを伝播するためのヘッダーキー。
const headerKeyUserID = "X-User-ID"

// GenerateJWT はユーザー情報からHS256で署名したJWTトークンを生成する。
func GenerateJWT(secret string, p TokenParams) (string, error) {
	if p.TokenType == "" {
		p.TokenType = TokenTypeAccess
	}
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.TokenID,
			Subject:   p.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(p.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
		UserID:    p.UserID,
		Username:  p.Username,
		TokenType: p.TokenType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークンを検証してクレームを返す。
// 署名、有効期限、発行者、トークン種別を検証する。
func ParseJWT(secret, tokenString, tokenType string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("トークンが無効です")
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenType, claims.TokenType, tokenType)
	}
	return claims, nil
}

// JWTAuth はアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "username" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			AbortWithError(c, http.StatusUnauthorized, CodeUnauthenticated, "Authorizationヘッダーが必要です")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			AbortWithError(c, http.StatusUnauthorized, CodeUnauthenticated, "Bearer トークン形式が不正です")
			return
		}

		claims, err := ParseJWT(secret, tokenString, TokenTypeAccess)
		if err != nil {
			AbortWithError(c, http.StatusUnauthorized, CodeUnauthenticated, "トークンが無効です")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString("user_id")
}

// GetUsername はGinコンテキストからユーザー名を取得する。
func GetUsername(c *gin.Context) string {
	return c.GetString("username")
}
