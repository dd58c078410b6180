package users

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

var (
	// ErrNotFound はユーザーが存在しないことを示す。
	ErrNotFound = errors.New("ユーザーが見つかりません")
	// ErrUsernameTaken はユーザー名が既に使われていることを示す。
	ErrUsernameTaken = errors.New("ユーザー名は既に使われています")
)

// User はusersテーブルの1行。
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	Email        string
	FirstName    string
	LastName     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProfileUpdate はプロフィール更新の内容。nilの項目は変更しない。
type ProfileUpdate struct {
	Email     *string
	FirstName *string
	LastName  *string
}

// Store はユーザー情報の永続化を行う。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore はデータベースを開いてStoreを生成する。
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := database.Open(ctx, path, migrations, "migrations", logger)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Create はユーザーを登録する。ユーザー名が重複する場合はErrUsernameTakenを返す。
func (s *Store) Create(ctx context.Context, u *User) error {
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, email, first_name, last_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Email, u.FirstName, u.LastName,
		formatTime(now), formatTime(now),
	)
	if database.IsUniqueViolation(err) {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// GetByID はIDでユーザーを取得する。
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	return s.get(ctx, "id", id)
}

// GetByUsername はユーザー名でユーザーを取得する。
func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.get(ctx, "username", username)
}

// get は指定した列の値でユーザーを1件取得する。columnは呼び出し元が固定値で渡す。
func (s *Store) get(ctx context.Context, column, value string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, email, first_name, last_name, created_at, updated_at
		FROM users WHERE `+column+` = ?`, value)

	var (
		u                    User
		createdAt, updatedAt string
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.FirstName, &u.LastName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// UsernameExists はユーザー名が登録済みかどうかを返す。
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM users WHERE username = ?)", username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ユーザー名の確認に失敗: %w", err)
	}
	return exists, nil
}

// UpdateProfile はプロフィールを更新し、更新後のユーザーを返す。
func (s *Store) UpdateProfile(ctx context.Context, id string, p ProfileUpdate) (*User, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			email = COALESCE(?, email),
			first_name = COALESCE(?, first_name),
			last_name = COALESCE(?, last_name),
			updated_at = ?
		WHERE id = ?`,
		nullable(p.Email), nullable(p.FirstName), nullable(p.LastName),
		formatTime(s.now().UTC()), id,
	)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// UpdatePassword はパスワードハッシュを置き換える。
func (s *Store) UpdatePassword(ctx context.Context, id string, hash []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?",
		hash, formatTime(s.now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("パスワードの更新に失敗: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete はユーザーを削除する。
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ユーザーの削除に失敗: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日時の解析に失敗: %w", err)
	}
	return t, nil
}
