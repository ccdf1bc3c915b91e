package cache

import (
	"slices"
	"strconv"

	"github.com/starford/eipsmith/internal/checksum"
	"github.com/starford/eipsmith/internal/citation"
	"github.com/starford/eipsmith/internal/models"
)

// Salt combines everything outside the sources that changes rendered output.
func Salt(transformVersion, styleIdentity string) string {
	return checksum.NewHasher().String(transformVersion).String(styleIdentity).Sum()
}

// ContentFingerprint covers the proposal's own inputs: its raw bytes, its
// assets, the bibliography entries it cites and the build salt.
func ContentFingerprint(p *models.Proposal, assets []models.Asset, cited []*citation.Entry, salt string) string {
	h := checksum.NewHasher().String("raw").Field(p.Raw)
	h.String("assets").String(strconv.Itoa(len(assets)))
	for _, a := range assets {
		h.String(a.Path).String(a.Fingerprint)
	}
	h.String("citations").String(strconv.Itoa(len(cited)))
	for _, e := range cited {
		h.Field(e.Canonical())
	}
	return h.String("salt").String(salt).Sum()
}

// UpstreamFingerprint covers the content fingerprints of the proposals id
// depends on directly. content maps ids to their current content
// fingerprint.
func UpstreamFingerprint(deps []int, content map[int]string) string {
	sorted := slices.Clone(deps)
	slices.Sort(sorted)
	h := checksum.NewHasher().String(strconv.Itoa(len(sorted)))
	for _, id := range sorted {
		h.String(strconv.Itoa(id)).String(content[id])
	}
	return h.Sum()
}
