// Package sha256 derives content-addressed blob names for uploaded images.
// Identical bytes always map to the same name, so re-uploading a photo reuses
// the stored object.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// DefaultShardWidth is the number of leading hex characters used as a
// directory fan-out level.
const DefaultShardWidth = 2

// Hasher names content by its SHA-256 digest, split into a shard directory
// and the full digest ("ab/abcdef..."). A zero width disables sharding.
type Hasher struct {
	shardWidth int
}

// New returns a Hasher using DefaultShardWidth.
func New() *Hasher {
	return &Hasher{shardWidth: DefaultShardWidth}
}

// NewWithShardWidth returns a Hasher with width leading characters as the
// shard. Width is clamped to [0, 8].
func NewWithShardWidth(width int) *Hasher {
	return &Hasher{shardWidth: min(max(width, 0), 8)}
}

// Hash returns the sharded name for data.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("hash: empty content")
	}
	sum := sha256.Sum256(data)
	return h.name(hex.EncodeToString(sum[:])), nil
}

func (h *Hasher) name(digest string) string {
	if h == nil || h.shardWidth == 0 {
		return digest
	}
	return digest[:h.shardWidth] + "/" + digest
}
