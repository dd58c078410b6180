// Package migration はSQLiteデータベースのスキーマを管理する。
// embed.FSに同梱したSQLファイルを番号順に適用し、schema_migrationsテーブルで適用済みの番号を記録する。
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// upSuffix は適用対象のファイル名の末尾。
const upSuffix = ".up.sql"

// ErrDuplicateVersion は同じ番号のファイルが複数あることを示す。
var ErrDuplicateVersion = errors.New("マイグレーション番号が重複しています")

// Step は1つのマイグレーションファイル。
type Step struct {
	// Version はファイル名先頭の番号。
	Version int
	// Name は番号以降の説明部分。
	Name string
	// Path はfs.FS内のパス。
	Path string
}

// Migrator はマイグレーションを適用する。
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	dir    string
	logger *zap.Logger
}

// New はMigratorを生成する。loggerがnilの場合はログを出力しない。
func New(db *sql.DB, fsys fs.FS, dir string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, fsys: fsys, dir: dir, logger: logger}
}

// Run はNew(db, fsys, dir, logger).Up(ctx)の省略形。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, logger *zap.Logger) error {
	_, err := New(db, fsys, dir, logger).Up(ctx)
	return err
}

// Up は未適用のマイグレーションを番号順に適用し、適用した件数を返す。
// ファイル名は 000001_create_users.up.sql の形式。
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return 0, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	steps, err := m.Steps()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, s := range steps {
		if slices.Contains(applied, s.Version) {
			continue
		}
		if err := m.apply(ctx, s); err != nil {
			return count, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", s.Version, err)
		}
		m.logger.Info("マイグレーションを適用しました",
			zap.Int("version", s.Version),
			zap.String("name", s.Name),
		)
		count++
	}
	return count, nil
}

// Applied は適用済みの番号を昇順で返す。
func (m *Migrator) Applied(ctx context.Context) ([]int, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("適用済みバージョンの読み取りに失敗: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Steps はディレクトリ内のマイグレーションファイルを番号順で返す。
// 番号で始まらないファイルは無視する。
func (m *Migrator) Steps() ([]Step, error) {
	entries, err := fs.ReadDir(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	var steps []Step
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}
		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: %s と %s", ErrDuplicateVersion, other, entry.Name())
		}
		seen[version] = entry.Name()
		steps = append(steps, Step{
			Version: version,
			Name:    strings.TrimSuffix(rest, upSuffix),
			Path:    path.Join(m.dir, entry.Name()),
		})
	}

	slices.SortFunc(steps, func(a, b Step) int { return a.Version - b.Version })
	return steps, nil
}

// apply は1ステップをトランザクション内で適用する。
func (m *Migrator) apply(ctx context.Context, s Step) error {
	content, err := fs.ReadFile(m.fsys, s.Path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", s.Version, s.Name); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
