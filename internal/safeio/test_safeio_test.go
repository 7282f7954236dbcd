package safeio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSafeFSAllowsAbsoluteUnderRoot(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fs, err := NewSafeFS(dir)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	if _, err := fs.SafeReadFile(p); err != nil {
		t.Fatalf("SafeReadFile absolute: %v", err)
	}
}

func TestSafeFSRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "outside.txt")
	fs, err := NewSafeFS(root)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	if _, err := fs.SafeReadFile("../outside.txt"); !errors.Is(err, ErrTraversal) {
		t.Fatalf("relative traversal: %v", err)
	}
	if err := fs.SafeWriteFile(outside, []byte("x")); !errors.Is(err, ErrTraversal) {
		t.Fatalf("absolute write outside root: %v", err)
	}
	if err := fs.SafeRemoveAll("."); err == nil {
		t.Fatalf("removing root must fail")
	}
}

func TestSafeWriteFileCreatesParents(t *testing.T) {
	fs, err := NewSafeFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	if err := fs.SafeWriteFile("a/b/c.json", []byte(`{}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := fs.SafeReadFile("a/b/c.json")
	if err != nil || string(got) != `{}` {
		t.Fatalf("read back %q, %v", got, err)
	}
	if err := fs.SafeRemoveAll("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := fs.SafeStat("a"); !os.IsNotExist(err) {
		t.Fatalf("stat after remove: %v", err)
	}
}
