package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/starford/eipsmith/internal/storage"
)

// ChangeSet lists proposals changed relative to the base revision.
type ChangeSet struct {
	Base string `json:"base"`
	// Changed holds proposals whose document or assets differ.
	Changed []int `json:"changed"`
	// Affected holds proposals that transitively depend on a changed one.
	Affected []int `json:"affected"`
}

// Changed compares the working tree with the configured base revision.
func (p *Pipeline) Changed(ctx context.Context) (*ChangeSet, error) {
	if p.history == nil || p.opts.BaseRef == "" {
		return nil, fmt.Errorf("pipeline: changed: no base revision or version control available")
	}
	paths, err := p.history.Changed(ctx, p.opts.BaseRef)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var changed []int
	for _, rel := range paths {
		id, ok := storage.IsProposalPath(p.opts.ContentDir, rel)
		if !ok {
			id, _, ok = storage.IsAssetPath(p.opts.ContentDir, rel)
		}
		if ok && !seen[id] {
			seen[id] = true
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)

	c, err := p.load(ctx, nil)
	if err != nil {
		return nil, err
	}
	var affected []int
	for _, id := range c.graph.TransitiveDependents(changed) {
		if !seen[id] {
			affected = append(affected, id)
		}
	}
	slices.Sort(affected)
	return &ChangeSet{Base: p.opts.BaseRef, Changed: changed, Affected: affected}, nil
}
