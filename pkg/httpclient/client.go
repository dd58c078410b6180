package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client はゲートウェイのHTTP APIを呼び出すクライアント。
// タイムアウトとリトライの設定を持つ。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL はゲートウェイのベースURL。
	baseURL string
	// maxRetries はGETリクエストを再試行する最大回数。
	maxRetries uint64
	// retryInterval は再試行の初回待機時間。
	retryInterval time.Duration
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetry はGETリクエストが503を返した場合や接続に失敗した場合の再試行を設定する。
func WithRetry(maxRetries uint64, interval time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		if interval > 0 {
			c.retryInterval = interval
		}
	}
}

// New は新しいクライアントを生成する。
// baseURLにはゲートウェイのベースURL（例: "http://localhost:8080"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		retryInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError はゲートウェイが返したエラー応答。
type APIError struct {
	// Status はHTTPステータスコード。
	Status int
	// Code はエラー応答のコード。応答が既定の形式でない場合は空。
	Code string
	// Message はエラー応答のメッセージ。応答が既定の形式でない場合はボディそのもの。
	Message string
}

// Error はエラーメッセージを返す。
func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTPエラー: status=%d, code=%s, message=%s", e.Status, e.Code, e.Message)
}

// IsCode はerrが指定したコードのAPIErrorかどうかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// errorResponse はゲートウェイのエラー応答の形式。
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// PatchJSON は指定パスにJSONボディでPATCHリクエストを送信する。
func (c *Client) PatchJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPatch, path, body, result)
}

// PutJSON は指定パスにJSONボディでPUTリクエストを送信する。
func (c *Client) PutJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPut, path, body, result)
}

// DeleteJSON は指定パスにJSONボディでDELETEリクエストを送信する。
func (c *Client) DeleteJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodDelete, path, body, result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// WithRetryが設定されている場合、503と接続失敗は再試行する。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	if c.maxRetries == 0 {
		return c.doJSON(ctx, http.MethodGet, path, nil, result)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)

	return backoff.Retry(func() error {
		err := c.doJSON(ctx, http.MethodGet, path, nil, result)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status != http.StatusServiceUnavailable {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// コンテキストからアクセストークンとリクエストIDを伝播する
	if token, ok := ctx.Value(contextKeyAccessToken).(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok && requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// decodeError はエラー応答をAPIErrorに変換する。
func decodeError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Status: resp.StatusCode, Message: string(respBody)}

	var er errorResponse
	if err := json.Unmarshal(respBody, &er); err == nil && er.Error.Code != "" {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}

// contextKey はコンテキストキーの型。
type contextKey string

const (
	// contextKeyAccessToken はコンテキストにアクセストークンを格納するためのキー。
	contextKeyAccessToken contextKey = "access_token"
	// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
	contextKeyRequestID contextKey = "request_id"
)

// WithAccessToken はコンテキストにアクセストークンを設定する。
// 設定したトークンはAuthorizationヘッダーで送信される。
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyAccessToken, token)
}

// WithRequestID はコンテキストにリクエストIDを設定する。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
