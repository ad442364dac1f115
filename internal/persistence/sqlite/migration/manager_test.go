package migration

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func TestManager_RunMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := Open(ctx, DefaultSQLiteConfig(filepath.Join(t.TempDir(), "migrate.db")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	source := fstest.MapFS{
		"schema/001_create_things.sql": {Data: []byte("-- things\nCREATE TABLE things (id TEXT PRIMARY KEY);\n")},
		"schema/002_add_name.sql":      {Data: []byte("ALTER TABLE things ADD COLUMN name TEXT NOT NULL DEFAULT '';\nCREATE INDEX idx_things_name ON things(name);")},
		"schema/README.md":             {Data: []byte("ignored")},
	}
	manager := NewManager(db, source, "schema", nil)

	if err := manager.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO things (id, name) VALUES ('a', 'first')`); err != nil {
		t.Fatalf("expected migrated schema, insert failed: %v", err)
	}

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.CurrentVersion != "002" || len(status.Pending) != 0 || len(status.Applied) != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Applied[0].Checksum == "" || status.Applied[1].Description != "add name" {
		t.Fatalf("expected recorded metadata, got %+v", status.Applied)
	}

	// Re-running is a no-op.
	if err := manager.RunMigrations(ctx); err != nil {
		t.Fatalf("second RunMigrations failed: %v", err)
	}
}

func TestManager_FailedMigrationRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := Open(ctx, DefaultSQLiteConfig(filepath.Join(t.TempDir(), "broken.db")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	source := fstest.MapFS{
		"001_ok.sql":     {Data: []byte("CREATE TABLE ok (id TEXT);")},
		"002_broken.sql": {Data: []byte("CREATE TABLE half (id TEXT); INSERT INTO missing VALUES (1);")},
	}
	manager := NewManager(db, source, ".", nil)

	err = manager.RunMigrations(ctx)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'half'`).Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected failed migration to be rolled back")
	}

	applied, err := manager.executor.IsVersionApplied(ctx, "002")
	if err != nil || applied {
		t.Fatalf("expected version 002 unrecorded, got %v (%v)", applied, err)
	}
}

func TestManager_ScanValidatesFiles(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		source fstest.MapFS
		want   error
	}{
		"bad name": {
			source: fstest.MapFS{"initial.sql": {Data: []byte("SELECT 1;")}},
			want:   ErrInvalidMigrationFile,
		},
		"duplicate version": {
			source: fstest.MapFS{
				"001_a.sql": {Data: []byte("SELECT 1;")},
				"001_b.sql": {Data: []byte("SELECT 1;")},
			},
			want: ErrDuplicateVersion,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewManager(nil, tc.source, ".", nil).Scan()
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSQLiteConfig_DSN(t *testing.T) {
	t.Parallel()

	dsn := DefaultSQLiteConfig("/tmp/data/allocator.db").DSN()
	for _, fragment := range []string{"/tmp/data/allocator.db?", "_txlock=immediate", "foreign_keys%281%29", "journal_mode%28WAL%29"} {
		if !strings.Contains(dsn, fragment) {
			t.Fatalf("expected DSN %q to contain %q", dsn, fragment)
		}
	}

	if err := (SQLiteConfig{}).Validate(); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
	if err := (SQLiteConfig{Path: "x.db", JournalMode: "bogus"}).Validate(); err == nil {
		t.Fatalf("expected invalid journal mode to be rejected")
	}
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	content := `-- header; with a semicolon
CREATE TABLE a (id TEXT);
CREATE TRIGGER a_guard BEFORE DELETE ON a
BEGIN
    SELECT RAISE(ABORT, 'no');
END;
CREATE INDEX idx_a ON a(id);
`
	statements := splitStatements(content)
	if len(statements) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(statements), statements)
	}
	if !strings.HasPrefix(statements[1], "CREATE TRIGGER") || !strings.HasSuffix(statements[1], "END") {
		t.Fatalf("expected trigger kept whole, got %q", statements[1])
	}
}
