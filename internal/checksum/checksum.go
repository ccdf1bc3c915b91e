// Package checksum computes the content and artifact fingerprints used by the
// incremental build cache.
package checksum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Hasher accumulates length-prefixed fields so that concatenation of
// distinct field lists can never collide.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns an empty SHA-256 field hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Field writes one length-prefixed field.
func (f *Hasher) Field(data []byte) *Hasher {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	f.h.Write(n[:])
	f.h.Write(data)
	return f
}

// String writes one length-prefixed string field.
func (f *Hasher) String(s string) *Hasher {
	return f.Field([]byte(s))
}

// Sum returns the hex digest of everything written so far.
func (f *Hasher) Sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

// ArtifactCID returns a CIDv1 string (raw codec, sha2-256 multihash) for data.
func ArtifactCID(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// Only reachable for unknown hash codes.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}
