package httpclient

import (
	"context"
	"net/url"
)

// Tokens はログインとトークン再発行の応答。
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Profile はユーザーのプロフィール。
type Profile struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// SignUpInput はユーザー登録の入力。
type SignUpInput struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// SignUp はユーザーを登録する。
func (c *Client) SignUp(ctx context.Context, in SignUpInput) (*Profile, error) {
	var p Profile
	if err := c.PostJSON(ctx, "/auth/sign-up", in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Login はユーザー名とパスワードでログインし、トークンを取得する。
func (c *Client) Login(ctx context.Context, username, password string) (*Tokens, error) {
	var t Tokens
	body := map[string]string{"username": username, "password": password}
	if err := c.PostJSON(ctx, "/auth/login", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Refresh はリフレッシュトークンで新しいトークンを取得する。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	var t Tokens
	if err := c.PostJSON(ctx, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Logout はリフレッシュトークンを失効させる。
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.PostJSON(ctx, "/auth/logout", map[string]string{"refresh_token": refreshToken}, nil)
}

// UsernameExists はユーザー名が登録済みかどうかを返す。
func (c *Client) UsernameExists(ctx context.Context, username string) (bool, error) {
	var res struct {
		Exists bool `json:"exists"`
	}
	if err := c.GetJSON(ctx, "/api/v1/users/exists/"+url.PathEscape(username), &res); err != nil {
		return false, err
	}
	return res.Exists, nil
}

// Me はWithAccessTokenで指定したユーザーのプロフィールを返す。
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.GetJSON(ctx, "/api/v1/me", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteMe はパスワードを確認したうえで退会する。
func (c *Client) DeleteMe(ctx context.Context, password string) error {
	return c.DeleteJSON(ctx, "/api/v1/me", map[string]string{"password": password}, nil)
}

// ChangePassword はパスワードを変更する。変更後は既存のリフレッシュトークンがすべて失効する。
func (c *Client) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	body := map[string]string{"current_password": currentPassword, "new_password": newPassword}
	return c.PutJSON(ctx, "/api/v1/me/password", body, nil)
}

// Session は有効なリフレッシュトークンの発行記録。時刻はUNIX秒。
type Session struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Sessions はログイン中のセッションを返す。
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var res struct {
		Tokens []Session `json:"tokens"`
	}
	if err := c.GetJSON(ctx, "/api/v1/me/sessions", &res); err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

// RevokeSession はIDを指定してセッションを失効させる。
func (c *Client) RevokeSession(ctx context.Context, id string) error {
	return c.DeleteJSON(ctx, "/api/v1/me/sessions/"+url.PathEscape(id), nil, nil)
}

// Call は公開されたリクエスト種別をゲートウェイ経由で呼び出す。
func (c *Client) Call(ctx context.Context, kind string, body any, result any) error {
	return c.PostJSON(ctx, "/api/v1/rpc/"+url.PathEscape(kind), body, result)
}
