package sink

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"testing"

	"github.com/imgpipe/imgpipe/internal/digest"
	"github.com/imgpipe/imgpipe/internal/image"
)

// fakeOpener opens in-memory layer content keyed by the layer's compressed
// digest, standing in for containerize.fileLayerOpener without touching
// the filesystem.
type fakeOpener struct {
	content map[string][]byte
}

func (f fakeOpener) Open(l image.Layer) (string, int64, io.ReadCloser, error) {
	hex := l.CompressedDescriptor.Digest.Hex()
	c, ok := f.content[hex]
	if !ok {
		return "", 0, nil, errors.New("sink_test: no content registered for digest " + hex)
	}
	return hex, int64(len(c)), io.NopCloser(bytes.NewReader(c)), nil
}

func cachedLayer(content string) image.Layer {
	d := digest.FromBytes([]byte(content))
	return image.Layer{
		Kind:                 image.LayerCached,
		DiffID:               d,
		CompressedDescriptor: image.BlobDescriptor{Size: int64(len(content)), Digest: d},
	}
}

// readTarNames reads every entry name out of archive.
func readTarNames(t *testing.T, archive []byte) []string {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(archive))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar entry: %v", err)
		}
		names = append(names, hdr.Name)
	}
	return names
}

func TestWriteArchiveNamesLayersByCompressedDigestFlat(t *testing.T) {
	layerA := cachedLayer("layer a bytes")
	layerB := cachedLayer("layer b bytes")
	img := image.Image{Layers: []image.Layer{layerA, layerB}, Architecture: "amd64", OS: "linux"}

	opener := fakeOpener{content: map[string][]byte{
		layerA.CompressedDescriptor.Digest.Hex(): []byte("layer a bytes"),
		layerB.CompressedDescriptor.Digest.Hex(): []byte("layer b bytes"),
	}}

	configJSON := []byte(`{"architecture":"amd64"}`)
	configDesc := image.BlobDescriptor{Size: int64(len(configJSON)), Digest: digest.FromBytes(configJSON)}

	var buf bytes.Buffer
	if err := WriteArchive(&buf, img, configJSON, configDesc, []string{"app:latest"}, opener); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	names := readTarNames(t, buf.Bytes())
	sort.Strings(names)
	want := []string{
		configDesc.Digest.Hex() + ".json",
		"manifest.json",
		layerA.CompressedDescriptor.Digest.Hex() + ".tar.gz",
		layerB.CompressedDescriptor.Digest.Hex() + ".tar.gz",
	}
	sort.Strings(want)
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}

	// No entry is keyed by diff-id, and no legacy per-layer directory exists.
	diffIDHex := layerA.DiffID.Hex()
	for _, n := range names {
		if n == diffIDHex || n == diffIDHex+"/layer.tar" || n == diffIDHex+"/VERSION" {
			t.Errorf("found a diff-id-keyed or legacy-directory entry %q; layers must be flat and digest-keyed", n)
		}
	}
}

func TestWriteArchiveManifestEntryShape(t *testing.T) {
	layerA := cachedLayer("only layer")
	img := image.Image{Layers: []image.Layer{layerA}, Architecture: "arm64", OS: "linux"}
	opener := fakeOpener{content: map[string][]byte{
		layerA.CompressedDescriptor.Digest.Hex(): []byte("only layer"),
	}}
	configJSON := []byte(`{}`)
	configDesc := image.BlobDescriptor{Size: int64(len(configJSON)), Digest: digest.FromBytes(configJSON)}

	var buf bytes.Buffer
	if err := WriteArchive(&buf, img, configJSON, configDesc, []string{"app:v2", "app:v1"}, opener); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	var manifestRaw []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			t.Fatalf("manifest.json entry not found")
		}
		if err != nil {
			t.Fatalf("reading tar entry: %v", err)
		}
		if hdr.Name == "manifest.json" {
			manifestRaw, err = io.ReadAll(tr)
			if err != nil {
				t.Fatalf("reading manifest.json: %v", err)
			}
			break
		}
	}

	var entries []manifestEntry
	if err := json.Unmarshal(manifestRaw, &entries); err != nil {
		t.Fatalf("unmarshaling manifest.json: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("manifest.json has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Config != configDesc.Digest.Hex()+".json" {
		t.Errorf("Config = %q", e.Config)
	}
	if len(e.Layers) != 1 || e.Layers[0] != layerA.CompressedDescriptor.Digest.Hex()+".tar.gz" {
		t.Errorf("Layers = %v", e.Layers)
	}
	if e.Architecture != "arm64" || e.Os != "linux" {
		t.Errorf("Architecture/Os = %q/%q", e.Architecture, e.Os)
	}
	if len(e.RepoTags) != 2 || e.RepoTags[0] != "app:v2" || e.RepoTags[1] != "app:v1" {
		t.Errorf("RepoTags = %v, want caller order preserved [app:v2 app:v1]", e.RepoTags)
	}
}

func TestWriteArchivePropagatesOpenerError(t *testing.T) {
	img := image.Image{Layers: []image.Layer{cachedLayer("missing content")}}
	opener := fakeOpener{content: map[string][]byte{}}

	var buf bytes.Buffer
	err := WriteArchive(&buf, img, []byte(`{}`), image.BlobDescriptor{Digest: digest.FromBytes([]byte("{}"))}, nil, opener)
	if err == nil {
		t.Fatalf("expected an error when the opener has no content for a layer")
	}
}

func TestCopyTagsDoesNotMutateInputOrReorder(t *testing.T) {
	in := []string{"b", "a", "c"}
	got := copyTags(in)
	if in[0] != "b" || in[1] != "a" || in[2] != "c" {
		t.Errorf("copyTags mutated its input: %v", in)
	}
	want := []string{"b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("copyTags = %v, want %v (caller order preserved)", got, want)
		}
	}
	got[0] = "mutated"
	if in[0] != "b" {
		t.Errorf("mutating copyTags' result mutated the input: %v", in)
	}
}
