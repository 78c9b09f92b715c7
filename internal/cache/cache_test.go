package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/imgpipe/imgpipe/internal/blob"
	"github.com/imgpipe/imgpipe/internal/digest"
	"github.com/imgpipe/imgpipe/internal/image"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func gzippedBlob(content string) blob.Blob {
	return blob.Gzip(blob.FromBytes([]byte(content), ""), -1)
}

func TestPutAndGetByDigest(t *testing.T) {
	c := openTestCache(t)
	layer, err := c.Put(nil, gzippedBlob("layer content"), time.Time{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if layer.DiffID.IsZero() {
		t.Errorf("DiffID not populated")
	}

	got, ok, err := c.GetByDigest(layer.CompressedDescriptor.Digest)
	if err != nil {
		t.Fatalf("GetByDigest: %v", err)
	}
	if !ok {
		t.Fatalf("GetByDigest: expected a hit")
	}
	if got.DiffID != layer.DiffID {
		t.Errorf("DiffID mismatch: got %s, want %s", got.DiffID, layer.DiffID)
	}
	if got.CompressedDescriptor.MediaType != layer.CompressedDescriptor.MediaType {
		t.Errorf("MediaType did not survive the cache round trip: got %q, want %q", got.CompressedDescriptor.MediaType, layer.CompressedDescriptor.MediaType)
	}
	if got.CompressedDescriptor.MediaType == "" {
		t.Errorf("MediaType is empty after a cache round trip")
	}
}

func TestGetByDigestMiss(t *testing.T) {
	c := openTestCache(t)
	_, ok, err := c.GetByDigest(digest.FromBytes([]byte("never put")))
	if err != nil {
		t.Fatalf("GetByDigest: %v", err)
	}
	if ok {
		t.Errorf("expected a miss for an unpopulated digest")
	}
}

func TestPutIsIdempotentForIdenticalContent(t *testing.T) {
	c := openTestCache(t)
	first, err := c.Put(nil, gzippedBlob("same bytes"), time.Time{})
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := c.Put(nil, gzippedBlob("same bytes"), time.Time{})
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first.FilePath != second.FilePath {
		t.Errorf("Put of identical content published to different paths: %s vs %s", first.FilePath, second.FilePath)
	}
}

func TestPutWithSelectorThenGetBySelector(t *testing.T) {
	c := openTestCache(t)
	selector := digest.FromBytes([]byte("selector key"))
	layer, err := c.Put(&selector, gzippedBlob("selected content"), time.Time{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := c.GetBySelector(selector)
	if err != nil {
		t.Fatalf("GetBySelector: %v", err)
	}
	if !ok {
		t.Fatalf("GetBySelector: expected a hit")
	}
	if got.CompressedDescriptor.Digest != layer.CompressedDescriptor.Digest {
		t.Errorf("selector resolved to the wrong layer")
	}
}

func TestGetBySelectorMiss(t *testing.T) {
	c := openTestCache(t)
	_, ok, err := c.GetBySelector(digest.FromBytes([]byte("unused selector")))
	if err != nil {
		t.Fatalf("GetBySelector: %v", err)
	}
	if ok {
		t.Errorf("expected a miss for an unused selector")
	}
}

// TestConcurrentPutsOfIdenticalContentProduceOneEntry exercises the
// cache's own publication-race handling (§4.3 concurrency: "if two
// writers race, the loser deletes its temporary"), independent of any
// in-process coalescing a caller layers on top (that's stepgraph.
// Coalesce's job, not this package's — see §8 boundary behaviour
// "two concurrent builds sharing a cache... produce exactly one
// on-disk entry").
func TestConcurrentPutsOfIdenticalContentProduceOneEntry(t *testing.T) {
	c := openTestCache(t)

	var wg sync.WaitGroup
	results := make([]*CachedLayer, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			layer, err := c.Put(nil, gzippedBlob("raced content"), time.Time{})
			if err != nil {
				t.Errorf("Put: %v", err)
				return
			}
			results[i] = layer
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r == nil || r.FilePath != results[0].FilePath {
			t.Errorf("result %d diverged from the other racing Put calls", i)
		}
	}

	entries, err := os.ReadDir(filepath.Join(c.root, tmpDir))
	if err != nil {
		t.Fatalf("reading tmp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("tmp dir has %d leftover entries after all racing Puts completed, want 0", len(entries))
	}
}

func TestImageMetadataRoundTrip(t *testing.T) {
	c := openTestCache(t)
	key := ImageKey{Registry: "example.com", Repository: "library/app", TagOrDigest: "latest"}
	meta := ImageMetadata{ManifestBytes: []byte(`{"a":1}`), ConfigBytes: []byte(`{"b":2}`)}

	if err := c.PutImageMetadata(key, meta); err != nil {
		t.Fatalf("PutImageMetadata: %v", err)
	}
	got, ok, err := c.GetImageMetadata(key)
	if err != nil {
		t.Fatalf("GetImageMetadata: %v", err)
	}
	if !ok {
		t.Fatalf("expected a hit")
	}
	if string(got.ManifestBytes) != string(meta.ManifestBytes) || string(got.ConfigBytes) != string(meta.ConfigBytes) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestPutAppliesLayerModTimeToFreshDirectory(t *testing.T) {
	c := openTestCache(t)
	want := time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC)

	layer, err := c.Put(nil, gzippedBlob("timestamped content"), want)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	dir := filepath.Join(c.root, layersDir, layer.CompressedDescriptor.Digest.Hex())
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat layer dir: %v", err)
	}
	if !info.ModTime().Equal(want) {
		t.Errorf("layer directory mtime = %v, want %v", info.ModTime(), want)
	}
}

func TestPutDoesNotTouchModTimeOfExistingEntry(t *testing.T) {
	c := openTestCache(t)
	first := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	layer, err := c.Put(nil, gzippedBlob("stable content"), first)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := c.Put(nil, gzippedBlob("stable content"), second); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	dir := filepath.Join(c.root, layersDir, layer.CompressedDescriptor.Digest.Hex())
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat layer dir: %v", err)
	}
	if !info.ModTime().Equal(first) {
		t.Errorf("layer directory mtime = %v, want the first Put's %v unchanged (§4.3 invariant 4: no mutation of existing entries)", info.ModTime(), first)
	}
}

func TestEntriesModTimeIsTheLatestAmongEntries(t *testing.T) {
	early := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []image.LayerEntry{
		{SourcePath: "/src/a", ContainerPath: "/app/a", ModTime: early},
		{SourcePath: "/src/b", ContainerPath: "/app/b", ModTime: late},
	}
	if got := EntriesModTime(entries); !got.Equal(late) {
		t.Errorf("EntriesModTime = %v, want the latest entry's mtime %v", got, late)
	}
}

func TestEntriesModTimeOfEmptyListIsZero(t *testing.T) {
	if got := EntriesModTime(nil); !got.IsZero() {
		t.Errorf("EntriesModTime(nil) = %v, want the zero Time", got)
	}
}

func TestSelectorIsDeterministic(t *testing.T) {
	entries := []image.LayerEntry{
		{SourcePath: "/src/a", ContainerPath: "/app/a"},
		{SourcePath: "/src/b", ContainerPath: "/app/b", Permissions: 0o600},
	}
	s1, err := Selector(entries)
	if err != nil {
		t.Fatalf("Selector: %v", err)
	}
	s2, err := Selector(entries)
	if err != nil {
		t.Fatalf("Selector: %v", err)
	}
	if !s1.Equal(s2) {
		t.Errorf("Selector is not deterministic for identical input")
	}
}

func TestSelectorDiffersOnContainerPath(t *testing.T) {
	a := []image.LayerEntry{{SourcePath: "/src/a", ContainerPath: "/app/a"}}
	b := []image.LayerEntry{{SourcePath: "/src/a", ContainerPath: "/app/other"}}
	sa, err := Selector(a)
	if err != nil {
		t.Fatalf("Selector: %v", err)
	}
	sb, err := Selector(b)
	if err != nil {
		t.Fatalf("Selector: %v", err)
	}
	if sa.Equal(sb) {
		t.Errorf("different container paths produced the same selector")
	}
}
