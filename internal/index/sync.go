package index

import (
	"log/slog"

	"github.com/starford/eipsmith/internal/checksum"
	"github.com/starford/eipsmith/internal/models"
)

// Sync brings the proposals table up to date with a parsed corpus:
//   - new/changed proposals (by source checksum) are upserted
//   - proposals no longer present are deleted
//
// Failures on single rows are logged and skipped.
func Sync(db *DB, props []*models.Proposal, logger *slog.Logger) error {
	checksums, err := db.ProposalChecksums()
	if err != nil {
		return err
	}

	present := make(map[int]struct{}, len(props))
	for _, p := range props {
		if p.ID <= 0 {
			continue
		}
		present[p.ID] = struct{}{}

		cs := checksum.Sum(p.Raw)
		if checksums[p.ID] == cs {
			continue
		}
		row := ProposalRow{ID: p.ID, Path: p.Path, Title: p.Title, Status: p.Status, Checksum: cs}
		if err := db.UpsertProposal(row, p.Body); err != nil {
			logger.Warn("sync: index failed", slog.Int("id", p.ID), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: indexed", slog.Int("id", p.ID))
		}
	}

	for id := range checksums {
		if _, ok := present[id]; ok {
			continue
		}
		if err := db.DeleteProposal(id); err != nil {
			logger.Warn("sync: delete failed", slog.Int("id", id), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: removed stale", slog.Int("id", id))
		}
	}
	return nil
}
