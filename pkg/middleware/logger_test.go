package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestRequestLogger はアクセスログを検証する。
func TestRequestLogger(t *testing.T) {
	t.Parallel()

	t.Run("リクエストIDが生成されステータスに応じたレベルで記録されること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.DebugLevel)
		router := gin.New()
		router.Use(RequestLogger(zap.New(core)))
		router.GET("/missing", func(c *gin.Context) {
			c.JSON(http.StatusNotFound, gin.H{})
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

		if w.Header().Get(HeaderRequestID) == "" {
			t.Error("X-Request-IDが設定されていない")
		}
		entries := logs.All()
		if len(entries) != 1 {
			t.Fatalf("ログ件数 = %d, want 1", len(entries))
		}
		if entries[0].Level != zap.WarnLevel {
			t.Errorf("level = %s, want warn", entries[0].Level)
		}
		if entries[0].ContextMap()["status"] != int64(http.StatusNotFound) {
			t.Errorf("status = %v", entries[0].ContextMap()["status"])
		}
	})

	t.Run("受け取ったリクエストIDが引き継がれること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(RequestLogger(nil))
		router.GET("/id", func(c *gin.Context) {
			c.String(http.StatusOK, GetRequestID(c))
		})

		req := httptest.NewRequest(http.MethodGet, "/id", nil)
		req.Header.Set(HeaderRequestID, "req-42")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Body.String() != "req-42" {
			t.Errorf("request_id = %q, want req-42", w.Body.String())
		}
	})
}
