// Package testutil holds helpers shared by package tests.
package testutil

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// WriteTree creates files below root. Keys are slash-separated relative paths,
// values the file contents. Parent directories are created as needed.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	// Sorted so directory creation order does not depend on map iteration
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(files[name]), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// Entry is one member of a tar archive
type Entry struct {
	Name     string
	Typeflag byte
	Content  string
	Header   *tar.Header
}

// ReadTarGz returns the members of a tar.gz file in archive order.
func ReadTarGz(t *testing.T, path string) []Entry {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() {
		_ = f.Close()
	}()

	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer func() {
		_ = zr.Close()
	}()

	var entries []Entry
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read member %s: %v", hdr.Name, err)
		}
		entries = append(entries, Entry{
			Name:     hdr.Name,
			Typeflag: hdr.Typeflag,
			Content:  string(data),
			Header:   hdr,
		})
	}
	return entries
}

// ReadTarGzFiles returns the regular files of a tar.gz keyed by member name.
func ReadTarGzFiles(t *testing.T, path string) map[string]string {
	t.Helper()

	files := make(map[string]string)
	for _, e := range ReadTarGz(t, path) {
		if e.Typeflag == tar.TypeReg {
			files[e.Name] = e.Content
		}
	}
	return files
}
