// Package sink implements the §4.6 publish targets: a docker-load
// compatible tar archive written to a daemon or to a file, in addition
// to the registry sink (internal/containerize.Containerizer.Push).
package sink

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/imgpipe/imgpipe/internal/image"
)

// manifestEntry mirrors the docker save/load manifest.json entry shape:
// one per image, naming its config file and ordered list of layer tar
// paths, grounded directly on tweag-rules_img's own docker.ManifestEntry.
type manifestEntry struct {
	Config       string   `json:"Config"`
	RepoTags     []string `json:"RepoTags,omitempty"`
	Layers       []string `json:"Layers"`
	Architecture string   `json:"Architecture,omitempty"`
	Os           string   `json:"Os,omitempty"`
}

// TarWriter streams a docker-load compatible archive: one config JSON
// file named by its digest, one flat <digest>.tar.gz per layer (named
// by the compressed layer digest, not its diff-id), and a top-level
// manifest.json tying them together with any repo tags.
type TarWriter struct {
	tw    *tar.Writer
	entry manifestEntry
}

// NewTarWriter returns a TarWriter that streams into w. The caller is
// responsible for closing w once Finalize returns.
func NewTarWriter(w io.Writer) *TarWriter {
	return &TarWriter{tw: tar.NewWriter(w)}
}

// WriteConfig writes the image config JSON, naming the tar entry by its
// digest hex per the docker save/load convention.
func (t *TarWriter) WriteConfig(configJSON []byte, desc image.BlobDescriptor) error {
	name := desc.Digest.Hex() + ".json"
	t.entry.Config = name
	return t.writeFile(name, configJSON)
}

// WriteLayer streams one compressed layer's bytes into the archive as
// a flat <digestHex>.tar.gz entry, named by the compressed layer
// digest per spec.md's "one gzip-compressed layer file per layer named
// by its digest" (grounded on inbra-image's tarfile.Writer.physicalLayerPath,
// which keys the real layer bytes by digest rather than diff-id or
// legacy layer ID).
func (t *TarWriter) WriteLayer(digestHex string, size int64, r io.Reader) error {
	layerPath := digestHex + ".tar.gz"
	t.entry.Layers = append(t.entry.Layers, layerPath)

	hdr := &tar.Header{Name: layerPath, Mode: 0644, Size: size}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("sink: writing layer header: %w", err)
	}
	n, err := io.Copy(t.tw, r)
	if err != nil {
		return fmt.Errorf("sink: streaming layer content: %w", err)
	}
	if n != size {
		return fmt.Errorf("sink: layer size mismatch: wanted %d, wrote %d", size, n)
	}
	return nil
}

// SetMetadata records the platform and repo tags for the single image
// this archive holds.
func (t *TarWriter) SetMetadata(architecture, os string, repoTags []string) {
	t.entry.Architecture = architecture
	t.entry.Os = os
	t.entry.RepoTags = repoTags
}

// Finalize writes manifest.json and closes the underlying tar writer.
// No further writes are valid afterward.
func (t *TarWriter) Finalize() error {
	manifestJSON, err := json.Marshal([]manifestEntry{t.entry})
	if err != nil {
		return fmt.Errorf("sink: marshaling manifest.json: %w", err)
	}
	if err := t.writeFile("manifest.json", manifestJSON); err != nil {
		return fmt.Errorf("sink: writing manifest.json: %w", err)
	}
	return t.tw.Close()
}

func (t *TarWriter) writeFile(name string, data []byte) error {
	if err := t.tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data))}); err != nil {
		return err
	}
	_, err := t.tw.Write(data)
	return err
}

// LayerOpener resolves a layer's compressed digest and a readable
// stream of its compressed bytes; Write methods on image.Layer already
// expose this shape via internal/blob, kept here as a narrow interface
// so sink does not import the cache package directly.
type LayerOpener interface {
	Open(l image.Layer) (digestHex string, size int64, r io.ReadCloser, err error)
}

// WriteArchive writes img as a complete docker-load archive into w,
// using opener to stream each layer's bytes. Entries are emitted in a
// fixed, deterministic order (config, then layers in apply order, then
// manifest.json) so the resulting tarball is byte-for-byte reproducible
// across repeated builds of the same image (§4.6 "Entries are emitted
// in a deterministic order so the tarball is reproducible").
func WriteArchive(w io.Writer, img image.Image, configJSON []byte, configDesc image.BlobDescriptor, repoTags []string, opener LayerOpener) error {
	tw := NewTarWriter(w)
	if err := tw.WriteConfig(configJSON, configDesc); err != nil {
		return err
	}
	tw.SetMetadata(img.Architecture, img.OS, copyTags(repoTags))

	for i, l := range img.Layers {
		digestHex, size, r, err := opener.Open(l)
		if err != nil {
			return fmt.Errorf("sink: opening layer %d: %w", i, err)
		}
		err = tw.WriteLayer(digestHex, size, r)
		r.Close()
		if err != nil {
			return err
		}
	}
	return tw.Finalize()
}

// copyTags defensively copies tags: RepoTags preserves the caller's
// order (target image first, then additional tags as given) rather
// than sorting, since callers that list their primary tag first
// expect manifest.json's RepoTags[0] to stay the primary tag.
func copyTags(tags []string) []string {
	return append([]string(nil), tags...)
}

// WriteTarballFile writes img's archive to path, the §4.6 "Tarball
// sink": identical to the daemon-load format, written to a
// user-specified path instead of streamed into a daemon socket.
func WriteTarballFile(path string, img image.Image, configJSON []byte, configDesc image.BlobDescriptor, repoTags []string, opener LayerOpener) error {
	f, err := os.CreateTemp(dirOf(path), ".imgpipe-tarball-*")
	if err != nil {
		return fmt.Errorf("sink: creating temp tarball: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	if err := WriteArchive(f, img, configJSON, configDesc, repoTags, opener); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sink: closing temp tarball: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sink: publishing tarball to %s: %w", path, err)
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
