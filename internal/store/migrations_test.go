package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
)

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close() //nolint:errcheck
	db.SetMaxOpenConns(1)

	if err := applyMigrations(ctx, db); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("expected %d recorded migrations, got %d", len(migrations), count)
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO kv(key, value, stored_at) VALUES ('a', x'01', '2026-01-01')`); err != nil {
		t.Fatalf("kv table missing: %v", err)
	}
}
