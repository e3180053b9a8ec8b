package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/memrag/internal/model"
)

// Snapshot is the data written by ExportSQLite.
type Snapshot struct {
	ID        string
	Entries   []*model.Entry
	Documents map[string]*model.Document
}

// ExportSQLite writes a queryable snapshot of entries and documents to a new
// SQLite database at dbPath. Entry content is also indexed with FTS5.
func ExportSQLite(ctx context.Context, dbPath string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	if _, err := os.Stat(dbPath); err == nil {
		return fmt.Errorf("export target %s already exists", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := migrateSnapshot(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot (id, created_at) VALUES (?, ?)`,
		snap.ID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	insMem, err := tx.PrepareContext(ctx,
		`INSERT INTO memories (id, tier, content, importance, base_importance, use_count,
		 created_at, last_accessed_at, vector_id, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insMem.Close()

	for _, e := range snap.Entries {
		var metaPtr *string
		if len(e.Metadata) > 0 {
			b, _ := json.Marshal(e.Metadata)
			s := string(b)
			metaPtr = &s
		}
		if _, err := insMem.ExecContext(ctx,
			e.ID, string(e.Tier), e.Content, e.Importance, e.BaseImportance, e.UseCount,
			e.CreatedAt.UTC().Format(time.RFC3339Nano), e.LastAccessedAt.UTC().Format(time.RFC3339Nano),
			e.VectorID, metaPtr); err != nil {
			return fmt.Errorf("insert memory %d: %w", e.ID, err)
		}
	}

	for id, d := range snap.Documents {
		meta, _ := json.Marshal(d.Metadata)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, meta, indexed, added_at) VALUES (?, ?, ?, ?)`,
			id, string(meta), d.Indexed, d.AddedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert document %s: %w", id, err)
		}
		for seq, chunkID := range d.ChunkIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO document_chunks (doc_id, seq, memory_id) VALUES (?, ?, ?)`,
				id, seq, chunkID); err != nil {
				return fmt.Errorf("insert chunk %s/%d: %w", id, seq, err)
			}
		}
	}

	return tx.Commit()
}

func migrateSnapshot(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshot (
		id          TEXT PRIMARY KEY,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		id               INTEGER PRIMARY KEY,
		tier             TEXT NOT NULL,
		content          TEXT NOT NULL,
		importance       REAL NOT NULL,
		base_importance  REAL NOT NULL,
		use_count        INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL,
		vector_id        INTEGER,
		meta             TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(tier, importance DESC);

	CREATE TABLE IF NOT EXISTS documents (
		id        TEXT PRIMARY KEY,
		meta      TEXT,
		indexed   INTEGER NOT NULL,
		added_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS document_chunks (
		doc_id    TEXT NOT NULL REFERENCES documents(id),
		seq       INTEGER NOT NULL,
		memory_id INTEGER NOT NULL,
		PRIMARY KEY (doc_id, seq)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		content=memories,
		content_rowid=id
	);

	CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
	END;
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}
