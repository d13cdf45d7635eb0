package migration

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// newTestDB はテスト用のインメモリSQLiteデータベースを生成する。
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestRun はマイグレーションの適用を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("マイグレーションがバージョン順に適用されること", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"migrations/000002_add_index.up.sql": &fstest.MapFile{
				Data: []byte("CREATE INDEX idx_items_name ON items(name);"),
			},
			"migrations/000001_create_items.up.sql": &fstest.MapFile{
				Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);"),
			},
		}

		db := newTestDB(t)
		if err := Run(db, fsys, "migrations", zerolog.Nop()); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}

		// テーブルとインデックスの両方が存在すること
		if _, err := db.Exec("INSERT INTO items (name) VALUES ('test')"); err != nil {
			t.Errorf("itemsテーブルへの挿入に失敗: %v", err)
		}

		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		if err != nil {
			t.Fatalf("schema_migrationsの取得に失敗: %v", err)
		}
		if count != 2 {
			t.Errorf("適用済みマイグレーション数 = %d, want 2", count)
		}
	})

	t.Run("再実行しても適用済みマイグレーションがスキップされること", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"migrations/000001_create_items.up.sql": &fstest.MapFile{
				Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);"),
			},
		}

		db := newTestDB(t)
		if err := Run(db, fsys, "migrations", zerolog.Nop()); err != nil {
			t.Fatalf("1回目のRun()でエラーが発生: %v", err)
		}
		// CREATE TABLEが再実行されればエラーになる
		if err := Run(db, fsys, "migrations", zerolog.Nop()); err != nil {
			t.Fatalf("2回目のRun()でエラーが発生: %v", err)
		}
	})

	t.Run("不正なSQLでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"migrations/000001_broken.up.sql": &fstest.MapFile{
				Data: []byte("CREATE BROKEN SYNTAX"),
			},
		}

		db := newTestDB(t)
		if err := Run(db, fsys, "migrations", zerolog.Nop()); err == nil {
			t.Error("不正なSQLでRun()がエラーを返すべき")
		}
	})

	t.Run("命名規則に合わないファイルが無視されること", func(t *testing.T) {
		t.Parallel()

		fsys := fstest.MapFS{
			"migrations/README.md": &fstest.MapFile{
				Data: []byte("# migrations"),
			},
			"migrations/000001_create_items.up.sql": &fstest.MapFile{
				Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);"),
			},
		}

		db := newTestDB(t)
		if err := Run(db, fsys, "migrations", zerolog.Nop()); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("schema_migrationsの取得に失敗: %v", err)
		}
		if count != 1 {
			t.Errorf("適用済みマイグレーション数 = %d, want 1", count)
		}
	})
}
