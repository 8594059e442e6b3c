package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// Open opens the docrec SQLite database with production pragmas
// (WAL journal, busy timeout, foreign keys) and initializes the schema.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests and closes it with the test.
func OpenMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if err := initSchema(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			latest_version INTEGER,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS document_versions (
			document_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			doc_hash TEXT NOT NULL,
			mime TEXT NOT NULL,
			size INTEGER NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (document_id, version),
			FOREIGN KEY (document_id) REFERENCES documents(id)
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			ord INTEGER NOT NULL,
			content TEXT NOT NULL,
			text_hash TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			rev INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (document_id, version, id),
			FOREIGN KEY (document_id) REFERENCES documents(id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_chunk_doc_ver_ord
			ON chunks(document_id, version, ord);

		CREATE TABLE IF NOT EXISTS taxonomies (
			project_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			fields TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (project_id, version)
		);

		CREATE TABLE IF NOT EXISTS audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chunk_id TEXT NOT NULL,
			user TEXT NOT NULL,
			action TEXT NOT NULL,
			before TEXT,
			after TEXT,
			request_id TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audits_chunk ON audits(chunk_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
