package database

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000001_create_items.up.sql": {Data: []byte(`
			CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE);
			CREATE TABLE tags (item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE, tag TEXT NOT NULL);`)},
	}

	t.Run("マイグレーション適用後に一意制約違反を判定できること", func(t *testing.T) {
		t.Parallel()

		db, err := Open(context.Background(), ":memory:", fsys, "migrations", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		_, err = db.Exec("INSERT INTO items (id, name) VALUES ('1', 'a')")
		require.NoError(t, err)

		_, err = db.Exec("INSERT INTO items (id, name) VALUES ('2', 'a')")
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))

		_, err = db.Exec("INSERT INTO items (id, name) VALUES ('1', 'b')")
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("外部キー制約が有効になっていること", func(t *testing.T) {
		t.Parallel()

		db, err := Open(context.Background(), ":memory:", fsys, "migrations", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		_, err = db.Exec("INSERT INTO tags (item_id, tag) VALUES ('missing', 'x')")
		require.Error(t, err)
		assert.False(t, IsUniqueViolation(err))
	})

	t.Run("SQLite以外のエラーは一意制約違反と判定しないこと", func(t *testing.T) {
		t.Parallel()

		assert.False(t, IsUniqueViolation(errors.New("UNIQUE constraint failed")))
		assert.False(t, IsUniqueViolation(nil))
	})

	t.Run("マイグレーションディレクトリがない場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Open(context.Background(), ":memory:", fsys, "missing", nil)
		assert.Error(t, err)
	})
}
