// Package blob implements the Blob contract (§3, §4.1): a value that,
// given a writable sink, produces its bytes exactly once and reports the
// true size and digest of what it wrote.
package blob

import (
	"compress/gzip"
	"io"
	"os"

	"github.com/imgpipe/imgpipe/internal/digest"
	"github.com/imgpipe/imgpipe/internal/image"
)

// Blob is the core contract. Implementations are not required to be
// restartable; ones backed by a stable file (FromFile) are.
type Blob interface {
	Write(sink io.Writer) (image.BlobDescriptor, error)
}

// countingDigestWriter tees writes through a digester while counting
// bytes, so any Blob implementation can report a true BlobDescriptor
// without re-reading what it wrote.
type countingDigestWriter struct {
	out  io.Writer
	n    int64
	h    *digest.Verifier
}

func newCountingDigestWriter(out io.Writer) *countingDigestWriter {
	return &countingDigestWriter{out: out, h: digest.NewVerifier(digest.Digest{})}
}

func (c *countingDigestWriter) Write(p []byte) (int, error) {
	n, err := c.out.Write(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.n += int64(n)
	}
	return n, err
}

func (c *countingDigestWriter) descriptor(mediaType string) image.BlobDescriptor {
	return image.BlobDescriptor{Size: c.n, Digest: c.h.Sum(), MediaType: mediaType}
}

// bytesBlob is an in-memory Blob.
type bytesBlob struct {
	data      []byte
	mediaType string
}

// FromBytes returns a Blob that writes an in-memory byte slice.
func FromBytes(data []byte, mediaType string) Blob {
	return bytesBlob{data: data, mediaType: mediaType}
}

func (b bytesBlob) Write(sink io.Writer) (image.BlobDescriptor, error) {
	cw := newCountingDigestWriter(sink)
	if _, err := cw.Write(b.data); err != nil {
		return image.BlobDescriptor{}, err
	}
	return cw.descriptor(b.mediaType), nil
}

// fileBlob streams an existing file's bytes. FileBlobs are restartable:
// the same path can be written to multiple sinks and yields identical
// descriptors each time.
type fileBlob struct {
	path      string
	mediaType string
}

// FromFile returns a Blob backed by a file path, resolved at write time.
func FromFile(path, mediaType string) Blob {
	return fileBlob{path: path, mediaType: mediaType}
}

func (b fileBlob) Write(sink io.Writer) (image.BlobDescriptor, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return image.BlobDescriptor{}, err
	}
	defer f.Close()
	cw := newCountingDigestWriter(sink)
	if _, err := io.Copy(cw, f); err != nil {
		return image.BlobDescriptor{}, err
	}
	return cw.descriptor(b.mediaType), nil
}

// WriterFunc is a lazy source: it is invoked once per Write call and must
// produce the blob's bytes into w.
type WriterFunc func(w io.Writer) error

type lazyBlob struct {
	fn        WriterFunc
	mediaType string
}

// FromWriterFunc wraps a closure that streams bytes into the given
// writer. Not restartable unless fn itself is idempotent and stable.
func FromWriterFunc(mediaType string, fn WriterFunc) Blob {
	return lazyBlob{fn: fn, mediaType: mediaType}
}

func (b lazyBlob) Write(sink io.Writer) (image.BlobDescriptor, error) {
	cw := newCountingDigestWriter(sink)
	if err := b.fn(cw); err != nil {
		return image.BlobDescriptor{}, err
	}
	return cw.descriptor(b.mediaType), nil
}

// gzipBlob wraps an underlying Blob, compressing its output. The
// reported BlobDescriptor describes the compressed bytes, not the
// source's; wrap the sink with a counting/hashing tee (as cache.Put
// does) to also recover the uncompressed digest in one pass.
type gzipBlob struct {
	source Blob
	level  int
}

// Gzip compresses source's output at the given compress/gzip level. For
// layer reproducibility (§4.2), gzip header ModTime and OS are always
// zeroed regardless of level.
func Gzip(source Blob, level int) Blob {
	return gzipBlob{source: source, level: level}
}

func (b gzipBlob) Write(sink io.Writer) (image.BlobDescriptor, error) {
	cw := newCountingDigestWriter(sink)
	gw, err := gzip.NewWriterLevel(cw, b.level)
	if err != nil {
		return image.BlobDescriptor{}, err
	}
	// gzip.Writer's Header.ModTime zero value already serializes as mtime=0;
	// OS must be set explicitly, since gzip.NewWriterLevel defaults it to 255.
	gw.Header.OS = 0
	if _, err := b.source.Write(gw); err != nil {
		return image.BlobDescriptor{}, err
	}
	if err := gw.Close(); err != nil {
		return image.BlobDescriptor{}, err
	}
	return cw.descriptor("application/vnd.oci.image.layer.v1.tar+gzip"), nil
}

// Gunzip wraps source, decompressing its output. Used by the layer
// cache to recover diff-ids (§4.3 invariant 4: SHA-256 of the
// decompressed bytes must equal the stored diff-id) and by Reference
// layers pulled from a registry.
type gunzipBlob struct {
	source Blob
}

func Gunzip(source Blob) Blob {
	return gunzipBlob{source: source}
}

func (b gunzipBlob) Write(sink io.Writer) (image.BlobDescriptor, error) {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.source.Write(pw)
		errCh <- err
		pw.CloseWithError(err)
	}()
	gr, err := gzip.NewReader(pr)
	if err != nil {
		pr.CloseWithError(err)
		<-errCh
		return image.BlobDescriptor{}, err
	}
	cw := newCountingDigestWriter(sink)
	_, copyErr := io.Copy(cw, gr)
	// Unblock the producer goroutine if it is still writing: closing the
	// read end makes its next pw.Write fail instead of blocking forever.
	pr.CloseWithError(copyErr)
	if copyErr != nil {
		<-errCh
		return image.BlobDescriptor{}, copyErr
	}
	if err := <-errCh; err != nil {
		return image.BlobDescriptor{}, err
	}
	return cw.descriptor(""), nil
}

// Tee writes everything read from r into w as it is forwarded to the
// caller; used by the cache to compute a diff-id while also writing
// compressed bytes straight to the final blob file (§4.3 put).
func Tee(r io.Reader, w io.Writer) io.Reader {
	return io.TeeReader(r, w)
}
