package importer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/kensaku/internal/fulltext"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
)

type added struct {
	content string
	payload Payload
}

type fakeAdder struct {
	mu     sync.Mutex
	next   int64
	docs   []added
	failOn string
}

func (f *fakeAdder) Add(_ context.Context, content string, payload json.RawMessage) (int64, error) {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, err
	}
	if f.failOn != "" && p.Filename == f.failOn {
		return 0, errors.New("add failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.docs = append(f.docs, added{content: content, payload: p})
	return f.next, nil
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext     string
		allowed []string
		want    bool
	}{
		{".txt", []string{".txt", ".md"}, true},
		{".TXT", []string{"txt"}, true},
		{".go", []string{".txt"}, false},
		{"", []string{".txt"}, false},
	}
	for _, tt := range tests {
		if got := extensionAllowed(tt.ext, tt.allowed); got != tt.want {
			t.Errorf("extensionAllowed(%q, %v) = %v, want %v", tt.ext, tt.allowed, got, tt.want)
		}
	}
}

func TestIndexContent(t *testing.T) {
	tests := []struct {
		filename, text, want string
	}{
		{"peter_pan.txt", "  second  star\n\tto the right  ", "peter pan second star to the right"},
		{"notes.md", "", "notes"},
		{"a-b.c.pdf", "x", "a b c x"},
	}
	for _, tt := range tests {
		if got := indexContent(tt.filename, tt.text); got != tt.want {
			t.Errorf("indexContent(%q, %q) = %q, want %q", tt.filename, tt.text, got, tt.want)
		}
	}
}

func TestImportFile_payload(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"peter_pan.txt": "Second star\n\nto the right"})
	adder := &fakeAdder{}
	im := New(adder)

	id, err := im.ImportFile(context.Background(), filepath.Join(dir, "peter_pan.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 || len(adder.docs) != 1 {
		t.Fatalf("id = %d, docs = %d", id, len(adder.docs))
	}
	got := adder.docs[0]
	want := Payload{Filename: "peter_pan.txt", Title: "Second star", Size: int64(len("Second star\n\nto the right"))}
	if got.payload != want {
		t.Errorf("payload = %+v, want %+v", got.payload, want)
	}
	if got.content != "peter pan Second star to the right" {
		t.Errorf("content = %q", got.content)
	}
}

func TestImportFile_rejected(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "x", "b.exe": "x"})
	im := New(&fakeAdder{}, WithExtensions([]string{".md"}))
	if _, err := im.ImportFile(context.Background(), filepath.Join(dir, "a.txt")); err == nil {
		t.Error("expected error for extension outside the allowed list")
	}
	if _, err := New(&fakeAdder{}).ImportFile(context.Background(), filepath.Join(dir, "b.exe")); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := New(&fakeAdder{}).ImportFile(context.Background(), filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestImportDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.txt":          "alpha",
		"sub/b.md":       "# Bravo\nbody",
		"sub/c.exe":      "binary",
		"broken.docx":    "not a zip",
		"sub/deep/d.txt": "delta",
	})
	adder := &fakeAdder{}
	sum, err := New(adder).ImportDirectory(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, d := range adder.docs {
		names = append(names, d.payload.Filename)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "a.txt,b.md,d.txt" {
		t.Errorf("imported %v", names)
	}
	if len(sum.Imported) != 3 {
		t.Errorf("summary imported %d, want 3", len(sum.Imported))
	}
	if len(sum.Skipped) != 1 || filepath.Base(sum.Skipped[0]) != "broken.docx" {
		t.Errorf("summary skipped %v", sum.Skipped)
	}
}

func TestImportDirectory_addFailureStops(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "alpha"})
	_, err := New(&fakeAdder{failOn: "a.txt"}).ImportDirectory(context.Background(), dir)
	if err == nil {
		t.Error("expected add failure to be returned")
	}
}

func TestImportDirectory_notADirectory(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "alpha"})
	if _, err := New(&fakeAdder{}).ImportDirectory(context.Background(), filepath.Join(dir, "a.txt")); err == nil {
		t.Error("expected error for a file path")
	}
}

func TestImportDirectory_intoIndex(t *testing.T) {
	dir := t.TempDir()
	docs, err := storage.NewDiskStore(filepath.Join(dir, "documents"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ix, err := fulltext.Open(ctx, filepath.Join(dir, "indexes"), "books", docs)
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	src := filepath.Join(dir, "src")
	writeFiles(t, src, map[string]string{
		"peter.txt": "Peter Pan flies to Neverland",
		"hook.txt":  "Captain Hook fears the crocodile",
	})
	if _, err := New(ix).ImportDirectory(ctx, src); err != nil {
		t.Fatal(err)
	}
	res, err := ix.Find(ctx, "neverland", models.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 1 || len(res.Page) != 1 {
		t.Fatalf("found %d, want 1", res.TotalCount)
	}
	var p Payload
	if err := json.Unmarshal(res.Page[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Filename != "peter.txt" {
		t.Errorf("hit filename = %q", p.Filename)
	}
}
