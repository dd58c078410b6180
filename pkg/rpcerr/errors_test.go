package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestConnectionError はConnectionErrorの分類とラップを検証する。
func TestConnectionError(t *testing.T) {
	t.Parallel()

	t.Run("ErrConnectionとして判定できること", func(t *testing.T) {
		t.Parallel()

		err := NewConnectionError("users", context.DeadlineExceeded)
		if !errors.Is(err, ErrConnection) {
			t.Errorf("errors.Is(err, ErrConnection) = false, want true")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("原因のエラーが辿れない: %v", err)
		}
	})

	t.Run("さらにラップしてもエンドポイント名を取り出せること", func(t *testing.T) {
		t.Parallel()

		err := fmt.Errorf("呼び出しに失敗: %w", NewConnectionError("auth", nil))
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatal("errors.AsでConnectionErrorを取り出せない")
		}
		if connErr.Endpoint != "auth" {
			t.Errorf("Endpoint = %q, want %q", connErr.Endpoint, "auth")
		}
	})
}

// TestParseRemote はエラー応答ボディの解釈を検証する。
func TestParseRemote(t *testing.T) {
	t.Parallel()

	t.Run("Status形式のボディからコードとメッセージを取り出すこと", func(t *testing.T) {
		t.Parallel()

		remote := ParseRemote("users", []byte(`{"code":"not_found","message":"ユーザーが見つかりません"}`))
		if remote.Code != "not_found" {
			t.Errorf("Code = %q, want %q", remote.Code, "not_found")
		}
		if remote.Message != "ユーザーが見つかりません" {
			t.Errorf("Message = %q", remote.Message)
		}
		if !errors.Is(remote, ErrRemote) {
			t.Error("errors.Is(remote, ErrRemote) = false, want true")
		}
	})

	t.Run("不正なボディでもPayloadを保持すること", func(t *testing.T) {
		t.Parallel()

		remote := ParseRemote("users", []byte("boom"))
		if remote.Code != "" {
			t.Errorf("Code = %q, want empty", remote.Code)
		}
		if string(remote.Payload) != "boom" {
			t.Errorf("Payload = %q, want %q", remote.Payload, "boom")
		}
	})
}

// TestErrorf はハンドラ用エラーの生成を検証する。
func TestErrorf(t *testing.T) {
	t.Parallel()

	err := Errorf("invalid_argument", "%sは必須です", "username")
	var st *Status
	if !errors.As(err, &st) {
		t.Fatal("Statusとして取り出せない")
	}
	if st.Code != "invalid_argument" || st.Message != "usernameは必須です" {
		t.Errorf("Status = %+v", st)
	}
}
