package sync

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS drives (
    id         TEXT PRIMARY KEY,
    label      TEXT NOT NULL DEFAULT '',
    role       TEXT NOT NULL DEFAULT 'normal',
    mount_path TEXT NOT NULL,
    sync_root  TEXT NOT NULL DEFAULT '',
    online     INTEGER NOT NULL DEFAULT 0,
    last_seen  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS clusters (
    name          TEXT PRIMARY KEY,
    topology      TEXT NOT NULL,
    strategy      TEXT NOT NULL,
    primary_drive TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cluster_members (
    cluster  TEXT NOT NULL REFERENCES clusters(name) ON DELETE CASCADE,
    drive_id TEXT NOT NULL UNIQUE REFERENCES drives(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    PRIMARY KEY (cluster, drive_id)
);

CREATE TABLE IF NOT EXISTS baselines (
    drive_id   TEXT PRIMARY KEY REFERENCES drives(id) ON DELETE CASCADE,
    taken_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS baseline_entries (
    drive_id      TEXT NOT NULL REFERENCES baselines(drive_id) ON DELETE CASCADE,
    path          TEXT NOT NULL,
    size          INTEGER NOT NULL,
    mtime         INTEGER NOT NULL,
    fast_digest   TEXT NOT NULL,
    strong_digest TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (drive_id, path)
);

CREATE TABLE IF NOT EXISTS archives (
    id              TEXT PRIMARY KEY,
    drive_id        TEXT NOT NULL,
    source_drive    TEXT NOT NULL DEFAULT '',
    original_path   TEXT NOT NULL,
    location        TEXT NOT NULL,
    archived_at     INTEGER NOT NULL,
    original_size   INTEGER NOT NULL,
    compressed_size INTEGER NOT NULL,
    digest          TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT 'before_overwrite'
);

CREATE INDEX IF NOT EXISTS idx_archives_drive_path ON archives(drive_id, original_path, archived_at);

CREATE TABLE IF NOT EXISTS sync_runs (
    id                TEXT PRIMARY KEY,
    cluster           TEXT NOT NULL,
    started_at        INTEGER NOT NULL,
    finished_at       INTEGER NOT NULL,
    dry_run           INTEGER NOT NULL,
    verify            INTEGER NOT NULL,
    status            TEXT NOT NULL,
    files_synced      INTEGER NOT NULL DEFAULT 0,
    bytes_transferred INTEGER NOT NULL DEFAULT 0,
    outcomes          TEXT NOT NULL DEFAULT '[]',
    conflicts         TEXT NOT NULL DEFAULT '[]',
    offline_drives    TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_cluster ON sync_runs(cluster, started_at);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// OpenDB opens (or creates) the diffr database at dbPath.
func OpenDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return openDBAt(dbPath)
}

// openDBAt opens the database at the exact path. Useful for testing.
func openDBAt(dbPath string) (*sql.DB, error) {
	l := sub("db")
	l.Info("opening database", "path", dbPath)

	// Connection-scoped pragmas go in the DSN so every pooled connection
	// gets them.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	l.Debug("PRAGMA foreign_keys=ON")

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l.Debug("PRAGMA journal_mode=WAL")

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	l.Debug("PRAGMA busy_timeout=5000")

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	l := sub("db")
	var version int
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		// meta table doesn't exist or no row: fresh database
		if _, execErr := db.Exec(schema); execErr != nil {
			return fmt.Errorf("create schema: %w", execErr)
		}
		_, execErr := db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
		if execErr != nil {
			return fmt.Errorf("set schema version: %w", execErr)
		}
		l.Info("schema created", "version", schemaVersion)
		return nil
	}

	if version < schemaVersion {
		l.Info("schema upgrading", "from", version, "to", schemaVersion)
		if version < 2 {
			if err := migrateV1toV2(db); err != nil {
				return fmt.Errorf("migrate v1→v2: %w", err)
			}
			l.Info("migrated v1→v2")
		}
	} else {
		l.Debug("schema up to date", slog.Int("version", version))
	}

	return nil
}

// migrateV1toV2 adds archive provenance: the drive the content came from
// (archive-only mirrors store copies of another drive's file) and the
// reason the version was kept.
func migrateV1toV2(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := []string{
		`ALTER TABLE archives ADD COLUMN source_drive TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE archives ADD COLUMN reason TEXT NOT NULL DEFAULT 'before_overwrite'`,
		`UPDATE archives SET source_drive = drive_id WHERE source_drive = ''`,
		`UPDATE meta SET value = '2' WHERE key = 'schema_version'`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return tx.Commit()
}
