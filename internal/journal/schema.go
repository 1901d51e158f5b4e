// Package journal keeps a durable, ordered log of committed changes in SQLite.
// Sync adapters read it through Since to learn what changed after a cursor.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// migration is one versioned schema step.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "changes",
		SQL: `
			CREATE TABLE IF NOT EXISTS changes (
				seq     INTEGER PRIMARY KEY,
				note_id TEXT NOT NULL DEFAULT '',
				kind    TEXT NOT NULL,
				origin  TEXT NOT NULL,
				at      TEXT NOT NULL
			);
		`,
	},
	{
		Version: 2,
		Name:    "manifest_flag_and_note_index",
		SQL: `
			ALTER TABLE changes ADD COLUMN manifest_changed INTEGER NOT NULL DEFAULT 0;
			CREATE INDEX IF NOT EXISTS idx_changes_note ON changes(note_id);
		`,
	},
	{
		Version: 3,
		Name:    "seq_state",
		SQL: `
			CREATE TABLE IF NOT EXISTS seq_state (
				id       INTEGER PRIMARY KEY CHECK (id = 1),
				reserved INTEGER NOT NULL DEFAULT 0,
				pruned   INTEGER NOT NULL DEFAULT 0,
				clean    INTEGER NOT NULL DEFAULT 1
			);
			INSERT OR IGNORE INTO seq_state (id, reserved, pruned, clean)
				SELECT 1, COALESCE(MAX(seq), 0), 0, 1 FROM changes;
		`,
	},
}

func openDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	// One connection keeps writes serialized and ":memory:" databases shared.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return conn, nil
}

// migrate applies every pending migration, each in its own transaction.
func migrate(d *sql.DB) error {
	if _, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	current, err := schemaVersion(d)
	if err != nil {
		return err
	}
	if current > latestVersion() {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, latestVersion())
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(d, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func applyMigration(d *sql.DB, m migration) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func schemaVersion(d *sql.DB) (int, error) {
	var v int
	if err := d.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return v, nil
}

func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
