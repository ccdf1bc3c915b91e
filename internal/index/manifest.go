package index

import (
	"fmt"
	"time"

	"github.com/starford/eipsmith/internal/models"
)

// Manifest returns every manifest entry keyed by proposal id. Columns are
// read by name so stores carrying extra columns still load.
func (db *DB) Manifest() (map[int]models.ManifestEntry, error) {
	rows, err := db.conn.Query(`SELECT * FROM manifest`)
	if err != nil {
		return nil, fmt.Errorf("index: manifest: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("index: manifest columns: %w", err)
	}
	out := make(map[int]models.ManifestEntry)
	for rows.Next() {
		var (
			e    models.ManifestEntry
			sink any
		)
		dest := make([]any, len(cols))
		for i, c := range cols {
			switch c {
			case "id":
				dest[i] = &e.ProposalID
			case "content_fp":
				dest[i] = &e.Content
			case "upstream_fp":
				dest[i] = &e.Upstream
			case "artifact_fp":
				dest[i] = &e.Artifact
			case "built_at":
				dest[i] = &e.BuiltAt
			default:
				dest[i] = &sink
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("index: scan manifest: %w", err)
		}
		out[e.ProposalID] = e
	}
	return out, rows.Err()
}

// PutManifest inserts or replaces one entry.
func (db *DB) PutManifest(e models.ManifestEntry) error {
	if e.BuiltAt.IsZero() {
		e.BuiltAt = time.Now().UTC()
	}
	_, err := db.conn.Exec(`
		INSERT INTO manifest (id, content_fp, upstream_fp, artifact_fp, built_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_fp  = excluded.content_fp,
			upstream_fp = excluded.upstream_fp,
			artifact_fp = excluded.artifact_fp,
			built_at    = excluded.built_at
	`, e.ProposalID, e.Content, e.Upstream, e.Artifact, e.BuiltAt)
	if err != nil {
		return fmt.Errorf("index: put manifest %d: %w", e.ProposalID, err)
	}
	return nil
}

// DeleteManifest removes the entry for id, if any.
func (db *DB) DeleteManifest(id int) error {
	if _, err := db.conn.Exec(`DELETE FROM manifest WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: delete manifest %d: %w", id, err)
	}
	return nil
}

// Statuses returns the last recorded status of every proposal.
func (db *DB) Statuses() (map[int]models.Status, error) {
	rows, err := db.conn.Query(`SELECT id, status FROM statuses`)
	if err != nil {
		return nil, fmt.Errorf("index: statuses: %w", err)
	}
	defer rows.Close()
	out := make(map[int]models.Status)
	for rows.Next() {
		var (
			id int
			s  string
		)
		if err := rows.Scan(&id, &s); err != nil {
			return nil, err
		}
		out[id] = models.Status(s)
	}
	return out, rows.Err()
}

// RecordStatuses replaces the status history with the given snapshot in a
// single transaction.
func (db *DB) RecordStatuses(statuses map[int]models.Status) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.Exec(`DELETE FROM statuses`); err != nil {
		return fmt.Errorf("index: clear statuses: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO statuses (id, status, recorded_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare status insert: %w", err)
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for id, s := range statuses {
		if _, err := stmt.Exec(id, string(s), now); err != nil {
			return fmt.Errorf("index: insert status %d: %w", id, err)
		}
	}
	return tx.Commit()
}
