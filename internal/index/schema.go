// Package index is the SQLite state store kept under the build directory:
// the build manifest, the status history used when no VCS is available,
// and a searchable table of proposals.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/eipsmith/internal/apperr"
)

// SchemaVersion is bumped on incompatible layout changes. Stores written by
// a newer version are treated as inconsistent and recreated.
const SchemaVersion = 1

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS manifest (
	id          INTEGER PRIMARY KEY,
	content_fp  TEXT NOT NULL,
	upstream_fp TEXT NOT NULL,
	artifact_fp TEXT NOT NULL,
	built_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS statuses (
	id          INTEGER PRIMARY KEY,
	status      TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS proposals (
	id       INTEGER PRIMARY KEY,
	path     TEXT NOT NULL,
	title    TEXT NOT NULL DEFAULT '',
	status   TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	body     TEXT NOT NULL DEFAULT ''
);
`

// DB wraps a sql.DB with state-store operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the SQLite database and applies the schema.
// A file that is not a usable store yields an error wrapping
// apperr.ErrCacheConsistency.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.ErrCacheConsistency, "index: ping", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.ErrCacheConsistency, "index: apply core schema", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.ErrCacheConsistency, "index: apply fts schema", err)
	}
	db := &DB{conn: conn, path: path}
	if err := db.checkVersion(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenOrRecreate opens the store at path. When the existing file is corrupt
// or from an incompatible version it is logged, removed and recreated;
// recreated is then true and every manifest entry is gone.
func OpenOrRecreate(path string, logger *slog.Logger) (db *DB, recreated bool, err error) {
	db, err = Open(path)
	if err == nil {
		return db, false, nil
	}
	if !errors.Is(err, apperr.ErrCacheConsistency) {
		return nil, false, err
	}
	logger.Error("state store unusable, rebuilding from scratch",
		slog.String("path", path), slog.String("error", err.Error()))
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if rmErr := os.Remove(path + suffix); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, false, fmt.Errorf("index: remove corrupt store: %w", rmErr)
		}
	}
	db, err = Open(path)
	if err != nil {
		return nil, false, err
	}
	return db, true, nil
}

func (db *DB) checkVersion() error {
	var raw string
	err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.conn.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, strconv.Itoa(SchemaVersion))
		if err != nil {
			return fmt.Errorf("index: write schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.ErrCacheConsistency, "index: read schema version", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v > SchemaVersion {
		return apperr.New(apperr.ErrCacheConsistency, "index: check version", "store schema %q is not supported (want <= %d)", raw, SchemaVersion)
	}
	return nil
}

// Path is the database file location.
func (db *DB) Path() string { return db.path }

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
