package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryFileSystemReadWrite(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("/root/a/b/file.txt", []byte("hello"))

	data, err := m.ReadFile("/root/a/b/file.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("ReadFile = %q", data)
	}

	// Parents exist implicitly.
	for _, dir := range []string{"/root", "/root/a", "/root/a/b"} {
		if !m.Exists(dir) {
			t.Errorf("parent %s does not exist", dir)
		}
	}

	if _, err := m.ReadFile("/root/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
}

func TestMemoryFileSystemReadDir(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("/root/z.txt", []byte("z"))
	m.WriteFile("/root/a.txt", []byte("a"))
	m.MkdirAll("/root/sub")
	m.WriteFile("/root/sub/nested.txt", nil)

	entries, err := m.ReadDir("/root")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (nested file must not leak up)", len(entries))
	}

	// Listing order is deliberately reverse-sorted so callers that assume
	// ascending order fail loudly in tests.
	if entries[0].Name() != "z.txt" || entries[2].Name() != "a.txt" {
		t.Errorf("unexpected listing order: %s .. %s", entries[0].Name(), entries[2].Name())
	}

	for _, e := range entries {
		wantDir := e.Name() == "sub"
		if e.IsDir() != wantDir {
			t.Errorf("%s IsDir = %v", e.Name(), e.IsDir())
		}
	}

	if _, err := m.ReadDir("/root/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing dir err = %v", err)
	}
}

func TestMemoryFileSystemStat(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("/root/file.txt", []byte("12345"))

	info, err := m.Stat("/root/file.txt")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 5 || info.IsDir() {
		t.Errorf("Stat = size %d, dir %v", info.Size(), info.IsDir())
	}

	info, err = m.Stat("/root")
	if err != nil {
		t.Fatalf("Stat dir failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("directory Stat not a dir")
	}
}

func TestMemoryFileSystemCopiesData(t *testing.T) {
	m := NewMemoryFileSystem()
	buf := []byte("original")
	m.WriteFile("/f", buf)
	buf[0] = 'X'

	data, _ := m.ReadFile("/f")
	if string(data) != "original" {
		t.Errorf("stored data aliased the caller's buffer: %q", data)
	}
	data[0] = 'Y'
	again, _ := m.ReadFile("/f")
	if string(again) != "original" {
		t.Errorf("returned data aliased the store: %q", again)
	}
}

func TestOSFileSystem(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	var osfs OSFileSystem
	if !osfs.Exists(filepath.Join(dir, "f.txt")) {
		t.Error("Exists = false for a real file")
	}
	if osfs.Exists(filepath.Join(dir, "missing")) {
		t.Error("Exists = true for a missing file")
	}

	entries, err := osfs.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadDir = %v, %v", entries, err)
	}
	data, err := osfs.ReadFile(filepath.Join(dir, "f.txt"))
	if err != nil || string(data) != "x" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}
}

func TestHasPathPrefix(t *testing.T) {
	cases := []struct {
		path, prefix string
		want         bool
	}{
		{"/a/b/c", "/a/b", true},
		{"/a/b", "/a/b", true},
		{"/a/bc", "/a/b", false},
		{"/other", "/a", false},
	}
	for _, c := range cases {
		if got := HasPathPrefix(c.path, c.prefix); got != c.want {
			t.Errorf("HasPathPrefix(%q, %q) = %v, want %v", c.path, c.prefix, got, c.want)
		}
	}
}
