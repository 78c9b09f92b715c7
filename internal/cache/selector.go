package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/imgpipe/imgpipe/internal/digest"
	"github.com/imgpipe/imgpipe/internal/image"
)

// canonicalEntry is the JSON shape selectors are computed from. Field
// order here is the encoding order (Go's encoding/json walks struct
// fields in declaration order), so this type, not image.LayerEntry
// itself, is the source of truth for "canonical encoding" (§3): it pins
// the wire representation of ModTime and omits nothing, so adding a
// field to image.LayerEntry later can't silently change existing
// selectors.
type canonicalEntry struct {
	SourcePath    string `json:"source_path"`
	ContainerPath string `json:"container_path"`
	Permissions   uint16 `json:"permissions"`
	ModTimeUnix   int64  `json:"mtime_unix"`
	Ownership     string `json:"ownership"`
}

// Selector computes the content-independent cache key for an ordered
// list of LayerEntry values: "same input specification -> same
// selector", enabling constant-time "have I built this before?" lookup
// without running the tar builder (§3, §4.3).
func Selector(entries []image.LayerEntry) (digest.Digest, error) {
	canonical := make([]canonicalEntry, len(entries))
	for i, e := range entries {
		mtime := e.ModTime
		if mtime.IsZero() {
			mtime = image.EpochPlusSecond
		}
		canonical[i] = canonicalEntry{
			SourcePath:    e.SourcePath,
			ContainerPath: e.ContainerPath,
			Permissions:   e.Permissions,
			ModTimeUnix:   mtime.Unix(),
			Ownership:     e.Ownership,
		}
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("cache: encoding selector input: %w", err)
	}
	return digest.FromBytes(encoded), nil
}

// EntriesModTime returns the latest modification time among entries,
// used by callers that want a human-meaningful "as of" time for a
// selector without re-deriving it from the canonical encoding.
func EntriesModTime(entries []image.LayerEntry) time.Time {
	var latest time.Time
	for _, e := range entries {
		if e.ModTime.After(latest) {
			latest = e.ModTime
		}
	}
	return latest
}
