package image

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/imgpipe/imgpipe/internal/digest"
	"github.com/imgpipe/imgpipe/internal/errs"
)

// Media types recognized on manifest GET (§4.4) and emitted on push
// (§4.6). Docker's v2 media types have no OCI equivalent constant in
// image-spec, so they're declared here rather than imported.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerSchema1      = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeOCIManifest        = ocispec.MediaTypeImageManifest
	MediaTypeOCIIndex           = ocispec.MediaTypeImageIndex
)

// ManifestJSON renders img as an OCI image manifest referencing
// configDesc and each layer's compressed descriptor in apply order.
// The returned bytes are exactly what gets PUT and exactly what the
// returned digest was computed from — never re-serialize before
// pushing (§6, §9: "the bytes used to compute a manifest digest must
// be the bytes pushed").
func ManifestJSON(img Image, configDesc BlobDescriptor) ([]byte, BlobDescriptor, error) {
	layers := make([]ocispec.Descriptor, len(img.Layers))
	for i, l := range img.Layers {
		if !l.HasCompressedDescriptor() {
			return nil, BlobDescriptor{}, fmt.Errorf("image: layer %d has no compressed descriptor, cannot emit manifest", i)
		}
		layers[i] = descriptorOf(l.CompressedDescriptor, "application/vnd.oci.image.layer.v1.tar+gzip")
	}

	m := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: MediaTypeOCIManifest,
		Config:    descriptorOf(configDesc, "application/vnd.oci.image.config.v1+json"),
		Layers:    layers,
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, BlobDescriptor{}, fmt.Errorf("image: marshaling manifest: %w", err)
	}
	return raw, BlobDescriptor{
		Size:      int64(len(raw)),
		Digest:    digest.FromBytes(raw),
		MediaType: MediaTypeOCIManifest,
	}, nil
}

func descriptorOf(d BlobDescriptor, fallbackMediaType string) ocispec.Descriptor {
	mt := d.MediaType
	if mt == "" {
		mt = fallbackMediaType
	}
	return ocispec.Descriptor{
		MediaType: mt,
		Digest:    d.Digest.GoDigest(),
		Size:      d.Size,
	}
}

// Platform identifies a manifest-list child (§4.4 manifest list
// resolution).
type Platform struct {
	Architecture string
	OS           string
}

func (p Platform) String() string { return p.OS + "/" + p.Architecture }

// DefaultPlatform is amd64/linux, the spec's default target (§4.4).
var DefaultPlatform = Platform{Architecture: "amd64", OS: "linux"}

// ParsedManifest is the result of inspecting a raw manifest body's
// schemaVersion and mediaType fields (§4.4: "Body is parsed by
// inspecting schemaVersion and mediaType fields").
type ParsedManifest struct {
	MediaType string
	// Exactly one of the following is populated, by MediaType.
	Manifest *ocispec.Manifest
	Index    *ocispec.Index
	Schema1  *Schema1Manifest
}

// Schema1Manifest is the minimal legacy (read-only) manifest shape this
// system needs: just enough to enumerate layer digests. FSLayers keeps
// the on-wire (newest-first) order; callers that need apply order must
// reverse it.
type Schema1Manifest struct {
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name"`
	Tag           string `json:"tag"`
	FSLayers      []struct {
		BlobSum string `json:"blobSum"`
	} `json:"fsLayers"`
}

// ParseManifest inspects raw and dispatches to the right shape, per the
// media type reported over the wire (falling back to schemaVersion when
// the Content-Type header is absent or generic).
func ParseManifest(raw []byte, contentType string) (*ParsedManifest, error) {
	var probe struct {
		SchemaVersion int    `json:"schemaVersion"`
		MediaType     string `json:"mediaType"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("image: parsing manifest: %w", err)
	}
	mt := probe.MediaType
	if mt == "" {
		mt = contentType
	}

	switch {
	case mt == MediaTypeDockerManifestList || mt == MediaTypeOCIIndex || (probe.SchemaVersion == 2 && isIndexShape(raw)):
		var idx ocispec.Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("image: parsing manifest list: %w", err)
		}
		return &ParsedManifest{MediaType: mt, Index: &idx}, nil

	case probe.SchemaVersion == 1 || mt == MediaTypeDockerSchema1:
		var s1 Schema1Manifest
		if err := json.Unmarshal(raw, &s1); err != nil {
			return nil, fmt.Errorf("image: parsing schema-1 manifest: %w", err)
		}
		return &ParsedManifest{MediaType: mt, Schema1: &s1}, nil

	default:
		var m ocispec.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("image: parsing manifest: %w", err)
		}
		return &ParsedManifest{MediaType: mt, Manifest: &m}, nil
	}
}

// isIndexShape distinguishes a schemaVersion:2 manifest list from a
// schemaVersion:2 single manifest when mediaType is absent, by checking
// for the "manifests" array key that only lists/indexes carry.
func isIndexShape(raw []byte) bool {
	var probe struct {
		Manifests json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Manifests) > 0
}

// ResolvePlatform selects idx's child manifest matching want, per §4.4:
// "Failure to find a match is UnsupportedPlatform."
func ResolvePlatform(idx *ocispec.Index, want Platform) (ocispec.Descriptor, error) {
	available := make([]string, 0, len(idx.Manifests))
	for _, m := range idx.Manifests {
		if m.Platform == nil {
			continue
		}
		available = append(available, m.Platform.OS+"/"+m.Platform.Architecture)
		if m.Platform.Architecture == want.Architecture && m.Platform.OS == want.OS {
			return m, nil
		}
	}
	return ocispec.Descriptor{}, &errs.UnsupportedPlatformError{Wanted: want.String(), Available: available}
}
