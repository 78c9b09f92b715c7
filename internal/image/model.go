// Package image holds the data model shared by the build step graph and
// the sinks: blob descriptors, the four-variant Layer union, the Image
// value, and the container config / manifest JSON templates (config.go,
// manifest.go).
package image

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/imgpipe/imgpipe/internal/digest"
)

// BlobDescriptor pairs a digest with the byte size of the content it
// identifies, and an optional media type. Invariant: Size is exactly the
// byte count whose SHA-256 equals Digest.
type BlobDescriptor struct {
	Size      int64
	Digest    digest.Digest
	MediaType string
}

// LayerEntry describes one file or directory to place into a layer.
// SourcePath must resolve to a regular file or directory at archive
// time; ContainerPath is an absolute POSIX path.
type LayerEntry struct {
	SourcePath    string
	ContainerPath string
	Permissions   uint16 // 0 means "use the variant default" (0644 file / 0755 dir)
	ModTime       time.Time
	Ownership     string // "user:group", empty means uid=gid=0
}

// EpochPlusSecond is the default LayerEntry modification time: one second
// past the Unix epoch, chosen so that consumers sensitive to pre-epoch
// timestamps never see one.
var EpochPlusSecond = time.Unix(1, 0).UTC()

// LayerKind discriminates the four Layer variants (§3). Reimplemented as
// a tagged sum rather than a type hierarchy: helpers that would dispatch
// virtually in an OO source become a switch over Kind.
type LayerKind int

const (
	// LayerUnwritten is a pair of Blobs with no known digest yet.
	LayerUnwritten LayerKind = iota
	// LayerCached is a file on disk plus (diffID, compressed descriptor).
	LayerCached
	// LayerReference is a base-image layer known by (diffID, compressed
	// descriptor) whose bytes may not be local yet.
	LayerReference
	// LayerReferenceNoDiffID is known only by its compressed descriptor
	// (schema-1 base manifests don't carry diff-ids).
	LayerReferenceNoDiffID
)

func (k LayerKind) String() string {
	switch k {
	case LayerUnwritten:
		return "unwritten"
	case LayerCached:
		return "cached"
	case LayerReference:
		return "reference"
	case LayerReferenceNoDiffID:
		return "reference-no-diffid"
	default:
		return fmt.Sprintf("layer-kind(%d)", int(k))
	}
}

// UncompressedBlob is satisfied by internal/blob.Blob and types both Blob
// fields of an unwritten Layer; declared here as a narrow interface to
// avoid an import cycle between image and blob (blob does not need to
// know about Layer).
type UncompressedBlob interface {
	Write(sink Sink) (BlobDescriptor, error)
}

// Sink is the write target a Blob drains into. It is an alias of
// io.Writer, so internal/blob.Blob's Write method matches the interface
// declaration above.
type Sink = io.Writer

// Layer is a tagged union over the four variants in §3. Exactly the
// fields relevant to Kind are populated; accessing an irrelevant field
// returns the zero value rather than panicking, matching "missing
// properties become variant-specific fields, not runtime exceptions."
type Layer struct {
	Kind LayerKind

	// LayerUnwritten
	Compressed   UncompressedBlob
	Uncompressed UncompressedBlob

	// LayerCached
	FilePath string

	// LayerCached, LayerReference
	DiffID digest.Digest

	// LayerCached, LayerReference, LayerReferenceNoDiffID
	CompressedDescriptor BlobDescriptor
}

// HasDiffID reports whether this layer's diff-id is known: true only for
// LayerCached and LayerReference, the two variants that populate DiffID.
// LayerUnwritten has no diff-id yet and LayerReferenceNoDiffID never will.
func (l Layer) HasDiffID() bool { return l.Kind == LayerCached || l.Kind == LayerReference }

// HasCompressedDescriptor reports whether this layer's compressed
// descriptor is known, per the invariant that every non-Unwritten layer
// has one.
func (l Layer) HasCompressedDescriptor() bool { return l.Kind != LayerUnwritten }

// Healthcheck mirrors the Docker/OCI config.Healthcheck shape used in
// container config JSON (§6).
type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

// Image is the immutable, fully-resolved value the build step graph
// produces before handing it to a sink. Layer ordering is significant:
// it is the apply order, and the image's identity is the digest of its
// serialized manifest, not of this struct.
type Image struct {
	Layers       []Layer
	Env          map[string]string
	Labels       map[string]string
	Entrypoint   []string
	Cmd          []string
	ExposedPorts map[string]struct{}
	Volumes      map[string]struct{}
	User         string
	WorkingDir   string
	Created      time.Time
	Architecture string
	OS           string
	Healthcheck  *Healthcheck

	// BaseConfigRaw is the base image's own config JSON, verbatim, when
	// this build has a non-scratch base (§6: "Unknown fields from the
	// base image's config are preserved verbatim where they do not
	// conflict"). ConfigJSON merges any top-level or config-object key
	// here that the built config doesn't already set. Nil for scratch
	// builds.
	BaseConfigRaw json.RawMessage
}
