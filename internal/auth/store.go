package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/micro/pkg/database"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrTokenNotActive はリフレッシュトークンが存在しないか、失効済みか、期限切れであることを示す。
var ErrTokenNotActive = errors.New("リフレッシュトークンが有効ではありません")

// RefreshToken はrefresh_tokensテーブルの1行。
type RefreshToken struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Active はnow時点で使用可能かどうかを返す。
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Store はリフレッシュトークンの発行記録を管理する。
type Store struct {
	db *sql.DB
}

// OpenStore はデータベースを開いてStoreを生成する。
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := database.Open(ctx, path, migrations, "migrations", logger)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert は発行したリフレッシュトークンを記録する。
func (s *Store) Insert(ctx context.Context, t *RefreshToken) error {
	return insertToken(ctx, s.db, t)
}

// Get はIDでリフレッシュトークンを取得する。
func (s *Store) Get(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, expires_at, revoked_at, created_at FROM refresh_tokens WHERE id = ?", id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの取得に失敗: %w", err)
	}
	return t, nil
}

// ListActive はユーザーのnow時点で有効なリフレッシュトークンを発行順に返す。
func (s *Store) ListActive(ctx context.Context, userID string, now time.Time) ([]RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, expires_at, revoked_at, created_at FROM refresh_tokens
		WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
		ORDER BY created_at, id`,
		userID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの一覧取得に失敗: %w", err)
	}
	defer rows.Close()

	tokens := []RefreshToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("リフレッシュトークンの読み取りに失敗: %w", err)
		}
		tokens = append(tokens, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの一覧取得に失敗: %w", err)
	}
	return tokens, nil
}

// Rotate はoldIDを失効させ、nextを記録する。
// oldIDがnow時点で有効でなければ何も変更せずErrTokenNotActiveを返す。
func (s *Store) Rotate(ctx context.Context, oldID string, next *RefreshToken, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	revoked, err := revokeToken(ctx, tx, oldID, now)
	if err != nil {
		return err
	}
	if !revoked {
		return ErrTokenNotActive
	}
	if err := insertToken(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// Revoke はリフレッシュトークンを失効させる。有効なトークンを失効させた場合にtrueを返す。
func (s *Store) Revoke(ctx context.Context, id string, now time.Time) (bool, error) {
	return revokeToken(ctx, s.db, id, now)
}

// RevokeOwned はuserIDが持つリフレッシュトークンidを失効させる。
// 他のユーザーのトークンや有効でないトークンは変更せずfalseを返す。
func (s *Store) RevokeOwned(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL AND expires_at > ?",
		now.Unix(), id, userID, now.Unix())
	if err != nil {
		return false, fmt.Errorf("リフレッシュトークンの失効に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeAll はユーザーの有効なリフレッシュトークンをすべて失効させ、件数を返す。
func (s *Store) RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?",
		now.Unix(), userID, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("リフレッシュトークンの一括失効に失敗: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired は期限切れのトークンを削除し、件数を返す。
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at <= ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("期限切れトークンの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*RefreshToken, error) {
	var (
		t                    RefreshToken
		expiresAt, createdAt int64
		revokedAt            sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.UserID, &expiresAt, &revokedAt, &createdAt); err != nil {
		return nil, err
	}
	t.ExpiresAt = time.Unix(expiresAt, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	if revokedAt.Valid {
		r := time.Unix(revokedAt.Int64, 0)
		t.RevokedAt = &r
	}
	return &t, nil
}

// execer はsql.DBとsql.Txの共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, t *RefreshToken) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		t.ID, t.UserID, t.ExpiresAt.Unix(), t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("リフレッシュトークンの記録に失敗: %w", err)
	}
	return nil
}

func revokeToken(ctx context.Context, db execer, id string, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL AND expires_at > ?",
		now.Unix(), id, now.Unix())
	if err != nil {
		return false, fmt.Errorf("リフレッシュトークンの失効に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
