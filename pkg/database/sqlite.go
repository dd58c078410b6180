// Package database は下流サービスが使うSQLiteデータベースの接続を提供する。
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/micro/pkg/migration"
)

// pragmas は接続直後に設定するPRAGMA。
var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
}

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
// SQLiteは書き込みを直列化するため、接続数は1に制限する。
func Open(ctx context.Context, path string, migrations fs.FS, dir string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s の実行に失敗: %w", p, err)
		}
	}

	if err := migration.Run(ctx, db, migrations, dir, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}

// IsUniqueViolation は一意制約違反のエラーかどうかを判定する。
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
