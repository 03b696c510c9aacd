package memory

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is the version the code expects. Bump it when appending a
// migration below.
const schemaVersion = 1

// migration is a single forward schema step. Each step must be idempotent:
// opening an already-migrated database re-runs nothing, but a crash mid-step
// may re-apply it.
type migration struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// v1 creates the full schema: the memories table, the secondary indexes for
// the supported query shapes, the vector sidecar table, and the FTS5 index
// with its synchronization triggers. The triggers fire inside the same
// transaction as the mutating statement, so the FTS index and the memories
// table cannot diverge, even across a crash.
var v1Statements = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		type         TEXT    NOT NULL,
		title        TEXT    NOT NULL,
		content      TEXT    NOT NULL,
		facts        TEXT    NOT NULL DEFAULT '[]',
		concepts     TEXT    NOT NULL DEFAULT '[]',
		source_files TEXT    NOT NULL DEFAULT '[]',
		importance   INTEGER NOT NULL DEFAULT 5 CHECK (importance BETWEEN 1 AND 10),
		visibility   TEXT    NOT NULL DEFAULT 'public' CHECK (visibility IN ('public','private')),
		phase        TEXT    NOT NULL DEFAULT '',
		session_id   TEXT    NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		accessed_at  INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_phase ON memories(phase)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_visibility ON memories(visibility)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id)`,

	`CREATE TABLE IF NOT EXISTS memory_vectors (
		memory_id  INTEGER PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
		dims       INTEGER NOT NULL,
		embedding  TEXT    NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		title,
		content,
		facts,
		concepts,
		content='memories',
		content_rowid='id',
		tokenize='porter unicode61'
	)`,

	`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, title, content, facts, concepts)
		VALUES (new.id, new.title, new.content, new.facts, new.concepts);
	END`,

	`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, title, content, facts, concepts)
		VALUES ('delete', old.id, old.title, old.content, old.facts, old.concepts);
	END`,

	`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, title, content, facts, concepts)
		VALUES ('delete', old.id, old.title, old.content, old.facts, old.concepts);
		INSERT INTO memories_fts(rowid, title, content, facts, concepts)
		VALUES (new.id, new.title, new.content, new.facts, new.concepts);
	END`,

	// Index any rows that predate the FTS table (no-op on a fresh database).
	`INSERT INTO memories_fts(memories_fts) VALUES ('rebuild')`,
}

var migrations = []migration{
	{
		version: 1,
		apply: func(ctx context.Context, tx *sql.Tx) error {
			for _, stmt := range v1Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("apply statement: %w\nstatement: %s", err, stmt)
				}
			}
			return nil
		},
	},
}

// checkFTS5 verifies the driver carries the FTS5 module before the schema
// references it. mattn/go-sqlite3 compiles FTS5 in only under the
// sqlite_fts5 build tag; without it the bare failure is an opaque
// "no such module: fts5".
func checkFTS5(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE VIRTUAL TABLE temp.fts5_check USING fts5(x)`); err != nil {
		return fmt.Errorf("full-text search unavailable, rebuild with -tags sqlite_fts5: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DROP TABLE temp.fts5_check`); err != nil {
		return fmt.Errorf("drop fts5 check table: %w", err)
	}
	return nil
}

// migrate brings the database to schemaVersion, running any pending
// migrations in order. Each migration runs in its own transaction together
// with its version bump.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema version v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Optimize compacts the FTS index and lets SQLite refresh its query planner
// statistics. Safe to run periodically; no behavioral effect.
func (s *Store) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO memories_fts(memories_fts) VALUES ('optimize')`); err != nil {
		return fmt.Errorf("optimize fts index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("pragma optimize: %w", err)
	}
	return nil
}

// Rebuild reconstructs the FTS index from the memories table. Recovery path
// for index corruption.
func (s *Store) Rebuild(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO memories_fts(memories_fts) VALUES ('rebuild')`); err != nil {
		return fmt.Errorf("rebuild fts index: %w", err)
	}
	return nil
}

// SchemaVersion returns the version recorded in the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}
