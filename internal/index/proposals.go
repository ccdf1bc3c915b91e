package index

import (
	"fmt"

	"github.com/starford/eipsmith/internal/models"
)

// ProposalRow is a row of the proposals table.
type ProposalRow struct {
	ID       int
	Path     string
	Title    string
	Status   models.Status
	Checksum string
}

// SearchResult represents one search hit.
type SearchResult struct {
	ID      int
	Path    string
	Title   string
	Snippet string
}

// UpsertProposal inserts or replaces a proposal and its search entry within
// a transaction.
func (db *DB) UpsertProposal(r ProposalRow, body string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO proposals (id, path, title, status, checksum, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path     = excluded.path,
			title    = excluded.title,
			status   = excluded.status,
			checksum = excluded.checksum,
			body     = excluded.body
	`, r.ID, r.Path, r.Title, string(r.Status), r.Checksum, body)
	if err != nil {
		return fmt.Errorf("index: upsert proposal: %w", err)
	}
	if err := ftsUpsert(tx, r.ID, r.Title, body); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteProposal removes a proposal and its search entry.
func (db *DB) DeleteProposal(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, id)
	if _, err := tx.Exec(`DELETE FROM proposals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: delete proposal: %w", err)
	}
	return tx.Commit()
}

// ProposalChecksums returns the stored source checksum of every proposal.
func (db *DB) ProposalChecksums() (map[int]string, error) {
	rows, err := db.conn.Query(`SELECT id, checksum FROM proposals`)
	if err != nil {
		return nil, fmt.Errorf("index: proposal checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[int]string)
	for rows.Next() {
		var (
			id int
			cs string
		)
		if err := rows.Scan(&id, &cs); err != nil {
			return nil, err
		}
		out[id] = cs
	}
	return out, rows.Err()
}
