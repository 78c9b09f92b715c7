// Package cache implements the content-addressed layer cache (§4.3): a
// directory tree keyed by layer digest, with a selector index for
// constant-time "have I built this before?" lookups, and atomic
// publication via rename-from-tmp. In-process work coalescing is done by
// stepgraph.Coalesce, not by this package.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	kzip "github.com/klauspost/compress/gzip"

	"github.com/google/uuid"

	"github.com/imgpipe/imgpipe/internal/blob"
	"github.com/imgpipe/imgpipe/internal/digest"
	"github.com/imgpipe/imgpipe/internal/errs"
	"github.com/imgpipe/imgpipe/internal/image"
)

const (
	layersDir    = "layers"
	selectorsDir = "selectors"
	imagesDir    = "images"
	tmpDir       = "tmp"
	blobFileName = "blob"
	metaFileName = "metadata"
)

// Cache is rooted at a configurable directory and may be shared by
// multiple processes (§4.3 concurrency). The zero value is not usable;
// construct with Open. In-process work coalescing for concurrent
// builds sharing a layer digest or selector is stepgraph.Coalesce's
// job, not this type's (§5 shared state #3: "a concurrent map used
// only by in-process work coalescing").
type Cache struct {
	root string
}

// Open ensures the cache's directory skeleton exists and returns a
// handle to it. root may already be populated by another process or a
// prior run; Open never removes existing content.
func Open(root string) (*Cache, error) {
	for _, d := range []string{layersDir, selectorsDir, imagesDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("cache: creating %s: %w", d, err)
		}
	}
	return &Cache{root: root}, nil
}

// layerMetadata is the JSON shape of each layer directory's metadata
// file, recording the compressed size and media type of the layer's
// CompressedDescriptor.
type layerMetadata struct {
	CompressedSize int64  `json:"compressed_size"`
	MediaType      string `json:"media_type"`
}

// CachedLayer is the result of a successful Put or a cache hit: a file
// on disk plus the (diffID, compressedDescriptor) pair (§3 "Cached"
// Layer variant).
type CachedLayer struct {
	FilePath             string
	DiffID               digest.Digest
	CompressedDescriptor image.BlobDescriptor
}

// AsLayer converts a cache hit into the image.Layer tagged-union value
// the build step graph deals in.
func (c *CachedLayer) AsLayer() image.Layer {
	return image.Layer{
		Kind:                 image.LayerCached,
		FilePath:             c.FilePath,
		DiffID:               c.DiffID,
		CompressedDescriptor: c.CompressedDescriptor,
	}
}

// Put streams compressed into the cache, computing both the layer digest
// (of the compressed bytes) and the diff-id (of the decompressed bytes),
// then atomically publishes the result. If an entry for the resulting
// layer digest already exists, the freshly written bytes are discarded
// and the existing entry is returned (content-addressed idempotence,
// §4.3 op 1). If selector is non-nil, the selector file is written only
// after the layer directory is confirmed to exist (§4.3 invariant 2).
//
// layerModTime, if non-zero, is applied to the newly published layer
// directory's own mtime — the latest of the mtimes of the LayerEntry
// values that produced this layer (cache.EntriesModTime), mirroring the
// tar builder's "directory mtime is the max of the mtimes of entries
// that required it" rule (§4.2) one level up, at the cache-directory
// level, so an on-disk cache is inspectable for "as of when" a layer's
// inputs were current. It is never applied when an existing entry is
// found instead (§4.3 invariant 4: no mutation of existing entries) and
// is meaningless for layers with no LayerEntry origin (base-image pulls
// pass the zero Time, which this skips).
func (c *Cache) Put(selector *digest.Digest, compressed blob.Blob, layerModTime time.Time) (*CachedLayer, error) {
	work := filepath.Join(c.root, tmpDir, uuid.NewString())
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, fmt.Errorf("cache: preparing scratch dir: %w", err)
	}
	// Removed unconditionally: on success the directory has already been
	// renamed away (RemoveAll on a nonexistent path is a no-op), on
	// failure or discard this clears the half-written temporary.
	defer os.RemoveAll(work)

	blobPath := filepath.Join(work, blobFileName)
	f, err := os.Create(blobPath)
	if err != nil {
		return nil, fmt.Errorf("cache: creating scratch blob: %w", err)
	}
	compressedDesc, diffID, writeErr := writeAndDiffID(f, compressed)
	closeErr := f.Close()
	if writeErr != nil {
		return nil, fmt.Errorf("cache: writing blob: %w", writeErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("cache: closing scratch blob: %w", closeErr)
	}

	layerDigest := compressedDesc.Digest
	finalDir := filepath.Join(c.root, layersDir, layerDigest.Hex())
	if _, err := os.Stat(finalDir); err == nil {
		existing, err := c.loadCachedLayer(layerDigest)
		if err != nil {
			return nil, err
		}
		if err := c.writeSelector(selector, layerDigest); err != nil {
			return nil, err
		}
		return existing, nil
	}

	finalBlobPath := filepath.Join(work, diffID.Hex())
	if err := os.Rename(blobPath, finalBlobPath); err != nil {
		return nil, fmt.Errorf("cache: staging blob under diff id: %w", err)
	}
	meta, err := json.Marshal(layerMetadata{CompressedSize: compressedDesc.Size, MediaType: compressedDesc.MediaType})
	if err != nil {
		return nil, fmt.Errorf("cache: marshaling metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(work, metaFileName), meta, 0o644); err != nil {
		return nil, fmt.Errorf("cache: writing metadata: %w", err)
	}

	if err := os.Rename(work, finalDir); err != nil {
		if os.IsExist(err) || errors.Is(err, os.ErrExist) {
			existing, loadErr := c.loadCachedLayer(layerDigest)
			if loadErr != nil {
				return nil, loadErr
			}
			if err := c.writeSelector(selector, layerDigest); err != nil {
				return nil, err
			}
			return existing, nil
		}
		// Another writer may have won the race between our Stat and
		// our Rename; treat any post-hoc existence as the same case.
		if _, statErr := os.Stat(finalDir); statErr == nil {
			existing, loadErr := c.loadCachedLayer(layerDigest)
			if loadErr != nil {
				return nil, loadErr
			}
			if err := c.writeSelector(selector, layerDigest); err != nil {
				return nil, err
			}
			return existing, nil
		}
		return nil, fmt.Errorf("cache: publishing layer %s: %w", layerDigest, err)
	}

	if !layerModTime.IsZero() {
		if err := os.Chtimes(finalDir, layerModTime, layerModTime); err != nil {
			return nil, fmt.Errorf("cache: setting layer directory mtime: %w", err)
		}
	}

	result, err := c.loadCachedLayer(layerDigest)
	if err != nil {
		return nil, err
	}
	if err := c.writeSelector(selector, layerDigest); err != nil {
		return nil, err
	}
	return result, nil
}

// writeAndDiffID writes compressed's bytes to f, computing both the
// compressed blob's descriptor and the uncompressed diff-id in a single
// pass: the compressed bytes are teed through a pipe into a gzip reader
// as they're written, rather than written to disk and then reopened and
// re-decompressed afterward.
func writeAndDiffID(f *os.File, compressed blob.Blob) (image.BlobDescriptor, digest.Digest, error) {
	pr, pw := io.Pipe()
	type diffResult struct {
		d   digest.Digest
		err error
	}
	diffCh := make(chan diffResult, 1)
	go func() {
		gr, err := kzip.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			diffCh <- diffResult{err: fmt.Errorf("%w: %v", errs.ErrCacheCorrupted, err)}
			return
		}
		d, err := digest.FromReader(gr)
		gr.Close()
		pr.CloseWithError(err)
		diffCh <- diffResult{d: d, err: err}
	}()

	desc, writeErr := compressed.Write(io.MultiWriter(f, pw))
	pw.CloseWithError(writeErr)
	res := <-diffCh
	if writeErr != nil {
		return image.BlobDescriptor{}, digest.Digest{}, writeErr
	}
	if res.err != nil {
		return image.BlobDescriptor{}, digest.Digest{}, fmt.Errorf("cache: computing diff id: %w", res.err)
	}
	return desc, res.d, nil
}

func (c *Cache) writeSelector(selector *digest.Digest, layerDigest digest.Digest) error {
	if selector == nil {
		return nil
	}
	path := filepath.Join(c.root, selectorsDir, selector.Hex())
	tmp := filepath.Join(c.root, tmpDir, "selector-"+uuid.NewString())
	if err := os.WriteFile(tmp, []byte(layerDigest.Hex()), 0o644); err != nil {
		return fmt.Errorf("cache: staging selector: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: publishing selector: %w", err)
	}
	return nil
}

// GetByDigest performs a constant-time lookup by layer digest.
func (c *Cache) GetByDigest(d digest.Digest) (*CachedLayer, bool, error) {
	finalDir := filepath.Join(c.root, layersDir, d.Hex())
	if _, err := os.Stat(finalDir); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	layer, err := c.loadCachedLayer(d)
	if err != nil {
		return nil, false, err
	}
	return layer, true, nil
}

// GetBySelector resolves a selector to its layer digest and then to the
// cached layer (§4.3 invariant 5: every selector names an existing
// layer).
func (c *Cache) GetBySelector(selector digest.Digest) (*CachedLayer, bool, error) {
	raw, err := os.ReadFile(filepath.Join(c.root, selectorsDir, selector.Hex()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	d, err := digest.Parse("sha256:" + string(raw))
	if err != nil {
		return nil, false, fmt.Errorf("%w: selector %s names invalid layer digest: %v", errs.ErrCacheCorrupted, selector, err)
	}
	return c.GetByDigest(d)
}

func (c *Cache) loadCachedLayer(d digest.Digest) (*CachedLayer, error) {
	dir := filepath.Join(c.root, layersDir, d.Hex())
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cache: reading layer dir %s: %w", d, err)
	}

	var meta layerMetadata
	if raw, err := os.ReadFile(filepath.Join(dir, metaFileName)); err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("%w: layer dir %s has unparseable metadata: %v", errs.ErrCacheCorrupted, d, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cache: reading metadata for %s: %w", d, err)
	}

	for _, e := range entries {
		if e.Name() == metaFileName || e.IsDir() {
			continue
		}
		diffID, err := digest.Parse("sha256:" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: layer dir %s contains non-digest file %q", errs.ErrCacheCorrupted, d, e.Name())
		}
		path := filepath.Join(dir, e.Name())
		size := meta.CompressedSize
		if size == 0 {
			// Older cache directories (or ones written without metadata)
			// have nothing to report here; fall back to the file's actual
			// size on disk.
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			size = info.Size()
		}
		return &CachedLayer{
			FilePath: path,
			DiffID:   diffID,
			CompressedDescriptor: image.BlobDescriptor{
				Size:      size,
				Digest:    d,
				MediaType: meta.MediaType,
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: layer dir %s has no blob file", errs.ErrCacheCorrupted, d)
}

// ImageKey identifies a cached manifest+config pair.
type ImageKey struct {
	Registry    string
	Repository  string
	TagOrDigest string
}

func (k ImageKey) dir(root string) string {
	return filepath.Join(root, imagesDir, k.Registry, k.Repository, k.TagOrDigest)
}

// ImageMetadata is the cached (manifest, config) byte pair for a
// resolved image reference.
type ImageMetadata struct {
	ManifestBytes []byte
	ConfigBytes   []byte
}

// PutImageMetadata atomically publishes a cached manifest/config pair.
func (c *Cache) PutImageMetadata(key ImageKey, meta ImageMetadata) error {
	dir := key.dir(c.root)
	work := filepath.Join(c.root, tmpDir, uuid.NewString())
	if err := os.MkdirAll(work, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(work)
	if err := os.WriteFile(filepath.Join(work, "manifest.json"), meta.ManifestBytes, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(work, "config.json"), meta.ConfigBytes, 0o644); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if err := os.Rename(work, dir); err != nil {
		if _, statErr := os.Stat(dir); statErr == nil {
			return nil // another writer already published the same key
		}
		return fmt.Errorf("cache: publishing image metadata: %w", err)
	}
	return nil
}

// GetImageMetadata returns a previously cached manifest/config pair, if
// any.
func (c *Cache) GetImageMetadata(key ImageKey) (*ImageMetadata, bool, error) {
	dir := key.dir(c.root)
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	configBytes, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, false, err
	}
	return &ImageMetadata{ManifestBytes: manifestBytes, ConfigBytes: configBytes}, true, nil
}

// Drain copies a CachedLayer's bytes to w, used by sinks that stream the
// compressed layer out (daemon/tarball sinks, push).
func (c *CachedLayer) Drain(w io.Writer) error {
	f, err := os.Open(c.FilePath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
