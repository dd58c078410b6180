package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/micro/pkg/middleware"
	"github.com/nao1215/micro/pkg/rpc"
	"github.com/nao1215/micro/pkg/rpcerr"
)

const testSecret = "auth-test-secret"

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	store, err := OpenStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, testSecret, opts...)
}

func request(t *testing.T, userID string, body any) *rpc.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return &rpc.Request{UserID: userID, Body: data}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var st *rpcerr.Status
	require.True(t, errors.As(err, &st), "rpcerr.Statusではない: %v", err)
	assert.Equal(t, code, st.Code)
}

func issue(t *testing.T, s *Service, userID string) TokenPair {
	t.Helper()
	res, err := s.handleIssueTokens(context.Background(), request(t, "", IssueTokensRequest{UserID: userID, Username: "gopher"}))
	require.NoError(t, err)
	return res.(TokenPair)
}

func TestService_IssueTokens(t *testing.T) {
	t.Parallel()

	t.Run("アクセストークンとリフレッシュトークンが発行されること", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t, WithTTL(time.Minute, time.Hour))
		pair := issue(t, s, "user-1")

		assert.Equal(t, "Bearer", pair.TokenType)
		assert.Equal(t, int64(60), pair.ExpiresIn)

		access, err := middleware.ParseJWT(testSecret, pair.AccessToken, middleware.TokenTypeAccess)
		require.NoError(t, err)
		assert.Equal(t, "user-1", access.UserID)

		refresh, err := middleware.ParseJWT(testSecret, pair.RefreshToken, middleware.TokenTypeRefresh)
		require.NoError(t, err)

		stored, err := s.store.Get(context.Background(), refresh.ID)
		require.NoError(t, err)
		assert.Equal(t, "user-1", stored.UserID)
		assert.True(t, stored.Active(time.Now()))
	})

	t.Run("ユーザーIDがない場合はinvalid_argumentになること", func(t *testing.T) {
		t.Parallel()

		_, err := newTestService(t).handleIssueTokens(context.Background(), request(t, "", IssueTokensRequest{Username: "gopher"}))
		assertCode(t, err, rpcerr.CodeInvalidArgument)
	})
}

func TestService_ValidateAccessToken(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	pair := issue(t, s, "user-1")

	t.Run("有効なアクセストークンの内容が返ること", func(t *testing.T) {
		t.Parallel()

		res, err := s.handleValidateAccessToken(context.Background(), request(t, "", AccessTokenRequest{AccessToken: pair.AccessToken}))
		require.NoError(t, err)
		got := res.(AccessTokenResponse)
		assert.True(t, got.Valid)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, "gopher", got.Username)
	})

	t.Run("リフレッシュトークンを渡すとunauthenticatedになること", func(t *testing.T) {
		t.Parallel()

		_, err := s.handleValidateAccessToken(context.Background(), request(t, "", AccessTokenRequest{AccessToken: pair.RefreshToken}))
		assertCode(t, err, rpcerr.CodeUnauthenticated)
	})
}

func TestService_RefreshToken(t *testing.T) {
	t.Parallel()

	t.Run("リフレッシュトークンは1回だけ使えること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.WarnLevel)
		s := newTestService(t, WithLogger(zap.New(core)))
		pair := issue(t, s, "user-1")

		res, err := s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: pair.RefreshToken}))
		require.NoError(t, err)
		next := res.(TokenPair)
		assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

		_, err = s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: pair.RefreshToken}))
		assertCode(t, err, rpcerr.CodeUnauthenticated)
		assert.Equal(t, 1, logs.FilterMessage("有効でないリフレッシュトークンが使用されました").Len())

		_, err = s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: next.RefreshToken}))
		assert.NoError(t, err)
	})

	t.Run("発行記録が期限切れの場合はunauthenticatedになること", func(t *testing.T) {
		t.Parallel()

		clock := time.Now()
		s := newTestService(t, WithTTL(time.Minute, time.Hour), WithClock(func() time.Time { return clock }))
		pair := issue(t, s, "user-1")

		clock = clock.Add(2 * time.Hour)
		_, err := s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: pair.RefreshToken}))
		assertCode(t, err, rpcerr.CodeUnauthenticated)
	})

	t.Run("アクセストークンではリフレッシュできないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t)
		pair := issue(t, s, "user-1")
		_, err := s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: pair.AccessToken}))
		assertCode(t, err, rpcerr.CodeUnauthenticated)
	})
}

func TestService_LogOut(t *testing.T) {
	t.Parallel()

	t.Run("ログアウト後はリフレッシュできないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t)
		pair := issue(t, s, "user-1")

		res, err := s.handleLogOut(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: pair.RefreshToken}))
		require.NoError(t, err)
		assert.Equal(t, LogOutResponse{Revoked: true}, res)

		res, err = s.handleLogOut(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: pair.RefreshToken}))
		require.NoError(t, err)
		assert.Equal(t, LogOutResponse{Revoked: false}, res)

		_, err = s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: pair.RefreshToken}))
		assertCode(t, err, rpcerr.CodeUnauthenticated)
	})

	t.Run("他のユーザーのトークンはpermission_deniedになること", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t)
		pair := issue(t, s, "user-1")
		_, err := s.handleLogOut(context.Background(), request(t, "user-2", RefreshTokenRequest{RefreshToken: pair.RefreshToken}))
		assertCode(t, err, rpcerr.CodePermissionDenied)
	})
}

func TestService_RevokeRefreshTokens(t *testing.T) {
	t.Parallel()

	t.Run("本人のトークンだけがすべて失効すること", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t)
		first := issue(t, s, "user-1")
		issue(t, s, "user-1")
		other := issue(t, s, "user-2")

		res, err := s.handleRevokeRefreshTokens(context.Background(), &rpc.Request{UserID: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, RevokeResponse{Revoked: 2}, res)

		_, err = s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: first.RefreshToken}))
		assertCode(t, err, rpcerr.CodeUnauthenticated)
		_, err = s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: other.RefreshToken}))
		assert.NoError(t, err)
	})

	t.Run("ユーザーIDがない場合はunauthenticatedになること", func(t *testing.T) {
		t.Parallel()

		_, err := newTestService(t).handleRevokeRefreshTokens(context.Background(), &rpc.Request{})
		assertCode(t, err, rpcerr.CodeUnauthenticated)
	})
}

func TestService_IsRefreshTokenValid(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	active := issue(t, s, "user-1")
	revoked := issue(t, s, "user-1")
	_, err := s.handleLogOut(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: revoked.RefreshToken}))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "有効なリフレッシュトークン", token: active.RefreshToken, want: true},
		{name: "失効済みのリフレッシュトークン", token: revoked.RefreshToken, want: false},
		{name: "アクセストークン", token: active.AccessToken, want: false},
		{name: "JWTでない文字列", token: "not-a-jwt", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name+"の有効性がエラーなしで返ること", func(t *testing.T) {
			t.Parallel()

			res, err := s.handleIsRefreshTokenValid(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: tt.token}))
			require.NoError(t, err)
			assert.Equal(t, ValidityResponse{Valid: tt.want}, res)
		})
	}
}

func TestService_GetRefreshTokensInformation(t *testing.T) {
	t.Parallel()

	t.Run("本人の有効なトークンだけが返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t)
		first := issue(t, s, "user-1")
		second := issue(t, s, "user-1")
		issue(t, s, "user-2")
		_, err := s.handleLogOut(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: first.RefreshToken}))
		require.NoError(t, err)

		res, err := s.handleGetRefreshTokensInformation(context.Background(), &rpc.Request{UserID: "user-1"})
		require.NoError(t, err)
		got := res.(TokensInformationResponse)
		require.Len(t, got.Tokens, 1)

		claims, err := middleware.ParseJWT(testSecret, second.RefreshToken, middleware.TokenTypeRefresh)
		require.NoError(t, err)
		assert.Equal(t, claims.ID, got.Tokens[0].ID)
		assert.Greater(t, got.Tokens[0].ExpiresAt, got.Tokens[0].CreatedAt)
	})

	t.Run("トークンがない場合は空の一覧が返ること", func(t *testing.T) {
		t.Parallel()

		res, err := newTestService(t).handleGetRefreshTokensInformation(context.Background(), &rpc.Request{UserID: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, TokensInformationResponse{Tokens: []TokenInfo{}}, res)
	})

	t.Run("ユーザーIDがない場合はunauthenticatedになること", func(t *testing.T) {
		t.Parallel()

		_, err := newTestService(t).handleGetRefreshTokensInformation(context.Background(), &rpc.Request{})
		assertCode(t, err, rpcerr.CodeUnauthenticated)
	})
}

func TestService_RevokeRefreshToken(t *testing.T) {
	t.Parallel()

	tokenID := func(t *testing.T, pair TokenPair) string {
		t.Helper()
		claims, err := middleware.ParseJWT(testSecret, pair.RefreshToken, middleware.TokenTypeRefresh)
		require.NoError(t, err)
		return claims.ID
	}

	t.Run("指定したトークンだけが失効すること", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t)
		target := issue(t, s, "user-1")
		kept := issue(t, s, "user-1")

		res, err := s.handleRevokeRefreshToken(context.Background(), request(t, "user-1", RevokeTokenRequest{TokenID: tokenID(t, target)}))
		require.NoError(t, err)
		assert.Equal(t, LogOutResponse{Revoked: true}, res)

		_, err = s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: target.RefreshToken}))
		assertCode(t, err, rpcerr.CodeUnauthenticated)
		_, err = s.handleRefreshToken(context.Background(), request(t, "", RefreshTokenRequest{RefreshToken: kept.RefreshToken}))
		assert.NoError(t, err)
	})

	t.Run("他のユーザーのトークンはnot_foundになり失効しないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t)
		pair := issue(t, s, "user-1")

		_, err := s.handleRevokeRefreshToken(context.Background(), request(t, "user-2", RevokeTokenRequest{TokenID: tokenID(t, pair)}))
		assertCode(t, err, rpcerr.CodeNotFound)

		stored, err := s.store.Get(context.Background(), tokenID(t, pair))
		require.NoError(t, err)
		assert.True(t, stored.Active(time.Now()))
	})

	t.Run("存在しないトークンはnot_foundになること", func(t *testing.T) {
		t.Parallel()

		_, err := newTestService(t).handleRevokeRefreshToken(context.Background(), request(t, "user-1", RevokeTokenRequest{TokenID: "missing"}))
		assertCode(t, err, rpcerr.CodeNotFound)
	})

	t.Run("token_idがない場合はinvalid_argumentになること", func(t *testing.T) {
		t.Parallel()

		_, err := newTestService(t).handleRevokeRefreshToken(context.Background(), request(t, "user-1", RevokeTokenRequest{}))
		assertCode(t, err, rpcerr.CodeInvalidArgument)
	})
}

func TestService_RunJanitor(t *testing.T) {
	t.Parallel()

	t.Run("期限切れのトークンが削除されること", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t, WithTTL(time.Minute, time.Hour), WithClock(func() time.Time {
			return time.Now().Add(2 * time.Hour)
		}))
		now := time.Now()
		require.NoError(t, s.store.Insert(context.Background(), &RefreshToken{
			ID: "old", UserID: "user-1", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
		}))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.RunJanitor(ctx, 10*time.Millisecond)
		}()

		assert.Eventually(t, func() bool {
			_, err := s.store.Get(context.Background(), "old")
			return errors.Is(err, ErrTokenNotActive)
		}, time.Second, 10*time.Millisecond)

		cancel()
		<-done
	})
}

func TestService_Register(t *testing.T) {
	t.Parallel()

	srv := rpc.NewServer()
	newTestService(t).Register(srv)
	assert.Equal(t, 8, srv.Patterns())
}
