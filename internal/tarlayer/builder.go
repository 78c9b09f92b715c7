// Package tarlayer builds reproducible POSIX tar layers from an ordered
// list of image.LayerEntry values (§4.2). The same input list always
// produces byte-identical output, on any machine, any number of times.
package tarlayer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imgpipe/imgpipe/internal/blob"
	"github.com/imgpipe/imgpipe/internal/image"
)

const (
	defaultFilePerm = 0o644
	defaultDirPerm  = 0o755
)

// planItem is one emitted tar entry: either a real LayerEntry (file or
// explicit directory) or a directory synthesized to hold one.
type planItem struct {
	path       string
	isDir      bool
	perm       uint16
	mtime      time.Time
	uid, gid   int
	sourcePath string // only meaningful for files and explicit directories
}

// Build plans and returns a Blob producing the raw (uncompressed) tar
// stream for entries. The plan (ordering, synthesized directories,
// permissions) is computed once, up front; Write may be called any
// number of times and reopens source files fresh each time, so the
// result is byte-identical across calls as long as the underlying files
// are unchanged (§8 invariant 2).
func Build(entries []image.LayerEntry) (blob.Blob, error) {
	items, err := plan(entries)
	if err != nil {
		return nil, err
	}
	return blob.FromWriterFunc("", func(w io.Writer) error {
		return writeTar(w, items)
	}), nil
}

// BuildCompressed is a convenience wrapper producing the gzip-compressed
// tar Blob for storage/push (§4.2), at compress/gzip's default level
// with a reproducible (zeroed mtime/OS) header. The uncompressed stream
// underlying it is never materialized separately: the diff-id is
// computed from it by decompressing the compressed stream on write
// (internal/cache.writeAndDiffID), not from a second raw Blob.
func BuildCompressed(entries []image.LayerEntry) (compressed blob.Blob, err error) {
	raw, err := Build(entries)
	if err != nil {
		return nil, err
	}
	return blob.Gzip(raw, -1 /* gzip.DefaultCompression */), nil
}

func plan(entries []image.LayerEntry) ([]*planItem, error) {
	index := make(map[string]*planItem)
	var items []*planItem

	var ensureDir func(path string, mtime time.Time) *planItem
	ensureDir = func(path string, mtime time.Time) *planItem {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return nil
		}
		if it, ok := index[path]; ok {
			if mtime.After(it.mtime) {
				it.mtime = mtime
			}
			return it
		}
		ensureDir(parentOf(path), mtime)
		it := &planItem{path: path, isDir: true, perm: defaultDirPerm, mtime: mtime}
		index[path] = it
		items = append(items, it)
		return it
	}

	for _, e := range entries {
		containerPath := strings.TrimRight(e.ContainerPath, "/")
		if !strings.HasPrefix(containerPath, "/") {
			return nil, fmt.Errorf("tarlayer: container path %q must be absolute", e.ContainerPath)
		}
		mtime := e.ModTime
		if mtime.IsZero() {
			mtime = image.EpochPlusSecond
		}
		uid, gid, err := parseOwnership(e.Ownership)
		if err != nil {
			return nil, fmt.Errorf("tarlayer: entry %q: %w", e.ContainerPath, err)
		}

		isDir, err := isDirSource(e.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("tarlayer: entry %q: %w", e.ContainerPath, err)
		}

		ensureDir(parentOf(containerPath), mtime)

		if isDir {
			perm := e.Permissions
			if perm == 0 {
				perm = defaultDirPerm
			}
			if it, ok := index[containerPath]; ok {
				it.perm = perm
				it.uid, it.gid = uid, gid
				it.sourcePath = e.SourcePath
				if mtime.After(it.mtime) {
					it.mtime = mtime
				}
			} else {
				it := &planItem{path: containerPath, isDir: true, perm: perm, mtime: mtime, uid: uid, gid: gid, sourcePath: e.SourcePath}
				index[containerPath] = it
				items = append(items, it)
			}
			continue
		}

		perm := e.Permissions
		if perm == 0 {
			perm = defaultFilePerm
		}
		items = append(items, &planItem{
			path:       containerPath,
			isDir:      false,
			perm:       perm,
			mtime:      mtime,
			uid:        uid,
			gid:        gid,
			sourcePath: e.SourcePath,
		})
	}
	return items, nil
}

func writeTar(w io.Writer, items []*planItem) error {
	tw := tar.NewWriter(w)
	for _, it := range items {
		if err := writeItem(tw, it); err != nil {
			return err
		}
	}
	return tw.Close()
}

func writeItem(tw *tar.Writer, it *planItem) error {
	if it.isDir {
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     it.path + "/",
			Mode:     int64(it.perm),
			Uid:      it.uid,
			Gid:      it.gid,
			ModTime:  it.mtime,
			Uname:    "",
			Gname:    "",
		}
		return tw.WriteHeader(hdr)
	}

	f, err := os.Open(it.sourcePath)
	if err != nil {
		return fmt.Errorf("tarlayer: opening %q: %w", it.sourcePath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("tarlayer: stat %q: %w", it.sourcePath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("tarlayer: %q is not a regular file", it.sourcePath)
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     it.path,
		Mode:     int64(it.perm),
		Uid:      it.uid,
		Gid:      it.gid,
		Size:     info.Size(),
		ModTime:  it.mtime,
		Uname:    "",
		Gname:    "",
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func parentOf(posixPath string) string {
	i := strings.LastIndexByte(posixPath, '/')
	if i <= 0 {
		return ""
	}
	return posixPath[:i]
}

func parseOwnership(s string) (uid, gid int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("ownership %q must be \"user:group\"", s)
	}
	uid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("ownership %q: invalid uid: %w", s, err)
	}
	gid, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("ownership %q: invalid gid: %w", s, err)
	}
	return uid, gid, nil
}

func isDirSource(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// SortedContainerPaths is exposed for tests that want to assert on the
// planned emission order without reaching into package internals.
func SortedContainerPaths(entries []image.LayerEntry) ([]string, error) {
	items, err := plan(entries)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.path
	}
	return paths, nil
}
