package main

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestContextLayerEntriesWalksRegularFilesOnly(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "a.txt"), "a")
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	mustWriteFile(t, filepath.Join(dir, "sub", "b.txt"), "b")

	mtime := time.Unix(1000, 0)
	entries, err := contextLayerEntries(dir, mtime)
	if err != nil {
		t.Fatalf("contextLayerEntries: %v", err)
	}

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.ContainerPath)
		if !e.ModTime.Equal(mtime) {
			t.Errorf("entry %q ModTime = %v, want %v", e.ContainerPath, e.ModTime, mtime)
		}
	}
	sort.Strings(paths)
	want := []string{"/a.txt", "/sub/b.txt"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestContextLayerEntriesEmptyDirectoryProducesNoEntries(t *testing.T) {
	dir := t.TempDir()
	entries, err := contextLayerEntries(dir, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("contextLayerEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v, want none", entries)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
