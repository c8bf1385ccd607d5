// Package fileid provides deterministic page and block IDs derived from file paths.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const (
	pagePrefix  = "page:"
	blockPrefix = "blk:"
)

// PageID returns a stable page ID for the given absolute path.
// Same path always yields the same ID. Used to find a page's blocks on update or delete.
func PageID(absolutePath string) string {
	hash := sha256.Sum256([]byte(filepath.Clean(absolutePath)))
	return pagePrefix + hex.EncodeToString(hash[:])
}

// BlockID returns a stable ID for the block at position (its outline path, e.g. "0.2")
// within the page at absolutePath. Blocks carrying an explicit id property keep that
// ID instead; positional IDs change when blocks are reordered.
func BlockID(absolutePath, position string) string {
	hash := sha256.Sum256([]byte(filepath.Clean(absolutePath) + "#" + position))
	return blockPrefix + hex.EncodeToString(hash[:16])
}
