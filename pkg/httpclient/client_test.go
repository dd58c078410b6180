package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	// Name はテスト用の名前フィールド。
	Name string `json:"name"`
	// Value はテスト用の値フィールド。
	Value int `json:"value"`
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("末尾のスラッシュが取り除かれタイムアウトが30秒に設定されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080/")
		if client.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want %q", client.baseURL, "http://localhost:8080")
		}
		if client.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
	})
}

// TestPostJSON はPostJSON関数を検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("JSONボディとヘッダーが送信されレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var (
			gotBody    []byte
			gotHeaders http.Header
			gotPath    string
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotBody, _ = io.ReadAll(r.Body)
			gotHeaders = r.Header
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 200})
		}))
		defer ts.Close()

		ctx := WithAccessToken(context.Background(), "token-123")
		ctx = WithRequestID(ctx, "req-1")

		var result testPayload
		if err := New(ts.URL).PostJSON(ctx, "/api/v1/rpc/echo", testPayload{Name: "request", Value: 1}, &result); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if gotPath != "/api/v1/rpc/echo" {
			t.Errorf("Path = %q", gotPath)
		}
		var sent testPayload
		if err := json.Unmarshal(gotBody, &sent); err != nil || sent.Name != "request" {
			t.Errorf("送信ボディ = %s", gotBody)
		}
		if got := gotHeaders.Get("Authorization"); got != "Bearer token-123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := gotHeaders.Get("X-Request-ID"); got != "req-1" {
			t.Errorf("X-Request-ID = %q", got)
		}
		if result.Name != "response" || result.Value != 200 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("アクセストークンが無い場合はAuthorizationヘッダーを送らないこと", func(t *testing.T) {
		t.Parallel()

		var authorization string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusNoContent)
		}))
		defer ts.Close()

		if err := New(ts.URL).PostJSON(context.Background(), "/auth/logout", map[string]string{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
		if authorization != "" {
			t.Errorf("Authorization = %q, want empty", authorization)
		}
	})
}

// TestErrorResponse はエラー応答の変換を検証する。
func TestErrorResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantCode    string
		wantMessage string
	}{
		{
			name:        "構造化されたエラー応答",
			status:      http.StatusConflict,
			body:        `{"error":{"code":"already_exists","message":"既に使われています"}}`,
			wantCode:    "already_exists",
			wantMessage: "既に使われています",
		},
		{
			name:        "構造化されていないエラー応答",
			status:      http.StatusBadGateway,
			body:        "bad gateway",
			wantMessage: "bad gateway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name+"がAPIErrorに変換されること", func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			err := New(ts.URL).PostJSON(context.Background(), "/x", nil, nil)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("APIErrorではない: %v", err)
			}
			if apiErr.Status != tt.status || apiErr.Code != tt.wantCode || apiErr.Message != tt.wantMessage {
				t.Errorf("APIError = %+v", apiErr)
			}
			if tt.wantCode != "" && !IsCode(err, tt.wantCode) {
				t.Errorf("IsCode(%q) = false", tt.wantCode)
			}
		})
	}

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("{"))
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/x", &result); err == nil {
			t.Fatal("エラーが返らなかった")
		}
	})

	t.Run("接続できないサーバーに対してエラーが返ること", func(t *testing.T) {
		t.Parallel()

		client := New("http://127.0.0.1:1", WithHTTPClient(&http.Client{Timeout: time.Second}))
		if err := client.GetJSON(context.Background(), "/health", nil); err == nil {
			t.Fatal("エラーが返らなかった")
		}
	})
}

// TestGetJSON_Retry はGETの再試行を検証する。
func TestGetJSON_Retry(t *testing.T) {
	t.Parallel()

	t.Run("503が続いた後に成功すれば結果が返ること", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(testPayload{Name: "ok"})
		}))
		defer ts.Close()

		var result testPayload
		client := New(ts.URL, WithRetry(5, time.Millisecond))
		if err := client.GetJSON(context.Background(), "/x", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if calls.Load() != 3 || result.Name != "ok" {
			t.Errorf("calls = %d, result = %+v", calls.Load(), result)
		}
	})

	t.Run("503以外のエラーは再試行しないこと", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		err := New(ts.URL, WithRetry(5, time.Millisecond)).GetJSON(context.Background(), "/x", nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
			t.Fatalf("err = %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})
}

// TestAPI は型付きのAPI呼び出しを検証する。
func TestAPI(t *testing.T) {
	t.Parallel()

	t.Run("ユーザー名がパスとしてエスケープされること", func(t *testing.T) {
		t.Parallel()

		var rawPath string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawPath = r.URL.EscapedPath()
			_, _ = w.Write([]byte(`{"exists":true}`))
		}))
		defer ts.Close()

		exists, err := New(ts.URL).UsernameExists(context.Background(), "a/b")
		if err != nil {
			t.Fatalf("UsernameExists()でエラーが発生: %v", err)
		}
		if !exists {
			t.Error("exists = false, want true")
		}
		if rawPath != "/api/v1/users/exists/a%2Fb" {
			t.Errorf("path = %q", rawPath)
		}
	})

	t.Run("ログインでトークンが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r","token_type":"Bearer","expires_in":900}`))
		}))
		defer ts.Close()

		tokens, err := New(ts.URL).Login(context.Background(), "gopher", "password123")
		if err != nil {
			t.Fatalf("Login()でエラーが発生: %v", err)
		}
		if tokens.AccessToken != "a" || tokens.RefreshToken != "r" || tokens.ExpiresIn != 900 {
			t.Errorf("tokens = %+v", tokens)
		}
	})
	t.Run("パスワード変更がPUTで送信されること", func(t *testing.T) {
		t.Parallel()

		var (
			method string
			body   map[string]string
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			_ = json.NewDecoder(r.Body).Decode(&body)
			_, _ = w.Write([]byte(`{"changed":true}`))
		}))
		defer ts.Close()

		if err := New(ts.URL).ChangePassword(context.Background(), "old-password", "new-password"); err != nil {
			t.Fatalf("ChangePassword()でエラーが発生: %v", err)
		}
		if method != http.MethodPut {
			t.Errorf("method = %q, want PUT", method)
		}
		if body["current_password"] != "old-password" || body["new_password"] != "new-password" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("セッション一覧が返り失効するIDがパスに含まれること", func(t *testing.T) {
		t.Parallel()

		var deleted string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				_, _ = w.Write([]byte(`{"tokens":[{"id":"t-1","created_at":10,"expires_at":20}]}`))
			case http.MethodDelete:
				deleted = r.URL.Path
				_, _ = w.Write([]byte(`{"revoked":true}`))
			}
		}))
		defer ts.Close()

		c := New(ts.URL)
		sessions, err := c.Sessions(context.Background())
		if err != nil {
			t.Fatalf("Sessions()でエラーが発生: %v", err)
		}
		if len(sessions) != 1 || sessions[0] != (Session{ID: "t-1", CreatedAt: 10, ExpiresAt: 20}) {
			t.Errorf("sessions = %+v", sessions)
		}
		if err := c.RevokeSession(context.Background(), "t-1"); err != nil {
			t.Fatalf("RevokeSession()でエラーが発生: %v", err)
		}
		if deleted != "/api/v1/me/sessions/t-1" {
			t.Errorf("path = %q", deleted)
		}
	})
}
