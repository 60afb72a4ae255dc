package cache

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestFileStoreSaveLoad(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	entries := []Entry{
		{Key: "GET https://example.com/a", Status: 200, Body: []byte("a"), Seq: 1},
		{Key: "GET https://example.com/b", Status: 200, Body: []byte("b"), Seq: 2},
	}
	if err := fs.Save("app-static-v1.0.0", entries); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := fs.Load("app-static-v1.0.0")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 || got[0].Key != entries[0].Key || got[1].Key != entries[1].Key {
		t.Errorf("entries not preserved in order: %+v", got)
	}

	names, err := fs.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"app-static-v1.0.0"}) {
		t.Errorf("unexpected names %v", names)
	}

	if err := fs.Delete("app-static-v1.0.0"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := fs.Delete("app-static-v1.0.0"); err != nil {
		t.Errorf("Delete of missing snapshot should not fail: %v", err)
	}
	if _, err := fs.Load("app-static-v1.0.0"); !errors.Is(err, ErrStoreNotFound) {
		t.Errorf("expected ErrStoreNotFound, got %v", err)
	}
}

func TestFileStoreSanitizesNames(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	name := "weird/name:with?chars"
	if err := fs.Save(name, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(fs.Dir(), "*.json"))
	if len(files) != 1 {
		t.Fatalf("expected one snapshot file, got %v", files)
	}
	if strings.ContainsAny(filepath.Base(files[0]), "/:?") {
		t.Errorf("filename not sanitized: %s", files[0])
	}

	long := strings.Repeat("x", 300)
	if got := fileNameFor(long); !strings.HasPrefix(got, "long_") {
		t.Errorf("long names should be hashed, got %s", got)
	}
}

func TestRegistryRestore(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	reg := NewRegistry(WithBlobStore(fs))
	s := reg.Open("app-dynamic-v1")
	s.Put("a", entryWithBody("1"))
	s.Put("b", entryWithBody("2"))
	s.Put("a", entryWithBody("3"))
	reg.Open("app-static-v1").Put("x", entryWithBody("x"))
	reg.Open("doomed")
	reg.DeleteStore("doomed")

	// Corrupt snapshot must be treated as absent
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	restored := NewRegistry(WithBlobStore(fs))
	n, err := restored.Restore()
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 restored stores, got %d", n)
	}

	if got := restored.ListStores(); !reflect.DeepEqual(got, []string{"app-dynamic-v1", "app-static-v1"}) {
		t.Errorf("unexpected stores %v", got)
	}

	rs := restored.Open("app-dynamic-v1")
	if got := rs.Keys(); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("insertion order not restored: %v", got)
	}
	e, _ := rs.Get("a")
	if string(e.Body) != "3" {
		t.Errorf("expected latest body, got %q", e.Body)
	}

	// Sequence numbers continue after the restored maximum
	rs.Put("c", entryWithBody("4"))
	c, _ := rs.Get("c")
	if c.Seq <= e.Seq {
		t.Errorf("sequence did not advance past restored entries: %d <= %d", c.Seq, e.Seq)
	}
}
