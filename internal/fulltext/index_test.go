package fulltext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/kensaku/internal/index"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
)

func openIndex(t *testing.T, opts ...Option) (*Index, string) {
	t.Helper()
	dir := t.TempDir()
	docs, err := storage.NewDiskStore(filepath.Join(dir, "documents", "test"))
	if err != nil {
		t.Fatal(err)
	}
	ix, err := Open(context.Background(), filepath.Join(dir, "indexes"), "test", docs, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix, filepath.Join(dir, "indexes")
}

func payload(s string) json.RawMessage {
	return json.RawMessage(strconv.Quote(s))
}

// indexLines returns the lines of the index file.
func indexLines(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "test"+index.ExtIndex))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestIndex_AddFindRead(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()

	id1, err := ix.Add(ctx, "mama peter janko", payload("first"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ix.Add(ctx, "peter mrkvicka", payload("second"))
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("ids not increasing: %d then %d", id1, id2)
	}

	res, err := ix.Find(ctx, "peter", models.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 2 || len(res.Page) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Page[0].ID != id2 || res.Page[1].ID != id1 {
		t.Errorf("order = [%d %d], want [%d %d]", res.Page[0].ID, res.Page[1].ID, id2, id1)
	}

	got, err := ix.Read(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"first"` {
		t.Errorf("Read = %s", got)
	}
}

func TestIndex_NonStrictFindsEveryPeter(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	contents := []string{
		"peter went home",
		"nobody here",
		"hello <b>Peter</b> mrkvicka",
		"pétér with accents",
		"janko only",
	}
	var withPeter []int64
	for _, c := range contents {
		id, err := ix.Add(ctx, c, payload(c))
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(strings.ToLower(c), "peter") || strings.Contains(c, "pétér") {
			withPeter = append(withPeter, id)
		}
	}

	res, err := ix.Find(ctx, "peter", models.SearchOptions{Strict: models.Bool(false), Take: 100})
	if err != nil {
		t.Fatal(err)
	}
	got := map[int64]bool{}
	for _, h := range res.Page {
		got[h.ID] = true
	}
	for _, id := range withPeter {
		if !got[id] {
			t.Errorf("document %d containing peter is missing", id)
		}
	}
	// Full matches rank ahead of records that only carry the penalty.
	for i, h := range res.Page[:len(withPeter)] {
		if !contains(withPeter, h.ID) {
			t.Errorf("rank %d is %d, which does not contain peter", i, h.ID)
		}
	}
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestIndex_UpdateThenRead(t *testing.T) {
	ix, dir := openIndex(t)
	ctx := context.Background()
	id, err := ix.Add(ctx, "old words", payload("old"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Update(ctx, id, "new words", payload("new")); err != nil {
		t.Fatal(err)
	}
	got, err := ix.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"new"` {
		t.Errorf("Read after Update = %s", got)
	}
	lines := indexLines(t, dir)
	want := []string{strconv.FormatInt(id, 10) + ",new,words"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("index = %q, want %q", lines, want)
	}
}

func TestIndex_Document(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	id, err := ix.Add(ctx, "peter pan peter", payload("book"))
	if err != nil {
		t.Fatal(err)
	}
	doc, err := ix.Document(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID != id || !reflect.DeepEqual(doc.Keywords, []string{"peter", "pan"}) || string(doc.Payload) != `"book"` {
		t.Errorf("Document = %+v", doc)
	}

	if err := ix.Update(ctx, id, "darling", payload("changed")); err != nil {
		t.Fatal(err)
	}
	doc, err = ix.Document(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(doc.Keywords, []string{"darling"}) || string(doc.Payload) != `"changed"` {
		t.Errorf("Document after update = %+v", doc)
	}

	if _, err := ix.Document(ctx, id+1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("Document(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestIndex_RemoveThenRead(t *testing.T) {
	ix, dir := openIndex(t)
	ctx := context.Background()
	keep, err := ix.Add(ctx, "keep me", payload("keep"))
	if err != nil {
		t.Fatal(err)
	}
	gone, err := ix.Add(ctx, "drop me", payload("drop"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Remove(ctx, gone); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Read(ctx, gone); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after Remove err = %v, want ErrNotFound", err)
	}
	lines := indexLines(t, dir)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], strconv.FormatInt(keep, 10)+",") {
		t.Errorf("index after remove = %q", lines)
	}
}

func TestIndex_UnknownIDIsNotFound(t *testing.T) {
	ix, dir := openIndex(t)
	ctx := context.Background()
	if _, err := ix.Add(ctx, "something", payload("x")); err != nil {
		t.Fatal(err)
	}
	before := indexLines(t, dir)
	if err := ix.Update(ctx, 42, "other", payload("y")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update unknown err = %v, want ErrNotFound", err)
	}
	if err := ix.Remove(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove unknown err = %v, want ErrNotFound", err)
	}
	if _, err := ix.Read(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read unknown err = %v, want ErrNotFound", err)
	}
	if after := indexLines(t, dir); !reflect.DeepEqual(before, after) {
		t.Errorf("index changed: %q -> %q", before, after)
	}
	if _, err := ix.Read(ctx, 42); err == nil {
		t.Error("update of unknown id must not store a payload")
	}
}

func TestIndex_InvalidPayload(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	for _, p := range []json.RawMessage{nil, json.RawMessage(`{"a":`)} {
		if _, err := ix.Add(ctx, "text", p); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("Add(%q) err = %v, want ErrInvalidPayload", p, err)
		}
	}
}

func TestIndex_ConcurrentMutations(t *testing.T) {
	ix, dir := openIndex(t)
	ctx := context.Background()
	const n = 40

	ids := make([]int64, n)
	var wg sync.WaitGroup
	errs := make(chan error, 3*n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := ix.Add(ctx, fmt.Sprintf("doc number%d shared", i), payload(strconv.Itoa(i)))
			if err != nil {
				errs <- err
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	// Interleave updates, removes and finds.
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				err = ix.Remove(ctx, ids[i])
			case 1:
				err = ix.Update(ctx, ids[i], fmt.Sprintf("updated number%d shared", i), payload("u"))
			}
			if err != nil {
				errs <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := ix.Find(ctx, "shared", models.SearchOptions{Take: 100}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	lines := indexLines(t, dir)
	seen := map[string]bool{}
	for _, line := range lines {
		id, _ := index.SplitLine(line)
		if seen[id] {
			t.Errorf("duplicate line for id %s", id)
		}
		seen[id] = true
	}
	for i, id := range ids {
		present := seen[strconv.FormatInt(id, 10)]
		if removed := i%3 == 0; present == removed {
			t.Errorf("id %d (i=%d): present=%v, removed=%v", id, i, present, removed)
		}
	}
	if want := n - (n+2)/3; len(lines) != want {
		t.Errorf("index has %d lines, want %d", len(lines), want)
	}
}

func TestIndex_RepeatFindIsCachedAndIdentical(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	for _, c := range []string{"alpha beta", "beta gamma", "alpha alpha"} {
		if _, err := ix.Add(ctx, c, payload(c)); err != nil {
			t.Fatal(err)
		}
	}
	first, err := ix.Find(ctx, "alpha", models.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := ix.Find(ctx, "alpha", models.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached || !second.Cached {
		t.Errorf("cached flags = %v, %v; want false, true", first.Cached, second.Cached)
	}
	if first.TotalCount != second.TotalCount || len(first.Page) != len(second.Page) {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	for i := range first.Page {
		if first.Page[i].ID != second.Page[i].ID {
			t.Errorf("rank %d differs: %d vs %d", i, first.Page[i].ID, second.Page[i].ID)
		}
	}
}

func TestIndex_PaginationIsComplete(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	want := map[int64]bool{}
	for i := 0; i < 23; i++ {
		id, err := ix.Add(ctx, fmt.Sprintf("common word%d", i), payload("p"))
		if err != nil {
			t.Fatal(err)
		}
		want[id] = true
	}
	got := map[int64]bool{}
	for skip := 0; ; skip++ {
		res, err := ix.Find(ctx, "common", models.SearchOptions{Skip: skip, Take: 5})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Page) == 0 {
			break
		}
		for _, h := range res.Page {
			if got[h.ID] {
				t.Errorf("id %d on more than one page", h.ID)
			}
			got[h.ID] = true
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("pages covered %d ids, want %d", len(got), len(want))
	}
}

func TestIndex_EmptyQueryMatchesNone(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	if _, err := ix.Add(ctx, "peter", payload("p")); err != nil {
		t.Fatal(err)
	}
	res, err := ix.Find(ctx, "   ", models.SearchOptions{Strict: models.Bool(false)})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 0 {
		t.Errorf("TotalCount = %d, want 0", res.TotalCount)
	}
}

func TestIndex_CacheStalenessAndClear(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	if _, err := ix.Add(ctx, "peter", payload("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Find(ctx, "peter", models.SearchOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Add(ctx, "peter again", payload("2")); err != nil {
		t.Fatal(err)
	}
	stale, err := ix.Find(ctx, "peter", models.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if stale.TotalCount != 1 {
		t.Errorf("TotalCount = %d, want the cached 1", stale.TotalCount)
	}
	if err := ix.ClearCache(ctx); err != nil {
		t.Fatal(err)
	}
	fresh, err := ix.Find(ctx, "peter", models.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if fresh.TotalCount != 2 {
		t.Errorf("TotalCount after ClearCache = %d, want 2", fresh.TotalCount)
	}
}

func TestIndex_InvalidateOnWrite(t *testing.T) {
	ix, _ := openIndex(t, WithInvalidateOnWrite(true))
	ctx := context.Background()
	if _, err := ix.Add(ctx, "peter", payload("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Find(ctx, "peter", models.SearchOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Add(ctx, "peter again", payload("2")); err != nil {
		t.Fatal(err)
	}
	res, err := ix.Find(ctx, "peter", models.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 2 || res.Cached {
		t.Errorf("result = total %d cached %v, want a fresh 2", res.TotalCount, res.Cached)
	}
}

func TestIndex_ReopenContinuesIDs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	open := func() *Index {
		docs, err := storage.NewDiskStore(filepath.Join(dir, "docs"))
		if err != nil {
			t.Fatal(err)
		}
		ix, err := Open(ctx, dir, "test", docs)
		if err != nil {
			t.Fatal(err)
		}
		return ix
	}
	ix := open()
	first, err := ix.Add(ctx, "one", payload("1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	ix = open()
	defer ix.Close()
	second, err := ix.Add(ctx, "two", payload("2"))
	if err != nil {
		t.Fatal(err)
	}
	if second <= first {
		t.Errorf("id after reopen = %d, want > %d", second, first)
	}
}

func TestIndex_ClosedRejectsOperations(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Add(ctx, "x", payload("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Add err = %v, want ErrClosed", err)
	}
	if _, err := ix.Find(ctx, "x", models.SearchOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Find err = %v, want ErrClosed", err)
	}
	if _, err := ix.Read(ctx, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Read err = %v, want ErrClosed", err)
	}
}

func TestIndex_Status(t *testing.T) {
	ix, _ := openIndex(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := ix.Add(ctx, fmt.Sprintf("doc %d words", i), payload("p")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ix.Find(ctx, "words", models.SearchOptions{}); err != nil {
		t.Fatal(err)
	}
	st, err := ix.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Name != "test" || st.Records != 3 || st.Documents != 3 {
		t.Errorf("status = %+v", st)
	}
	if st.IndexBytes == 0 || st.CacheBytes == 0 {
		t.Errorf("expected non-zero file sizes: %+v", st)
	}
	if st.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", st.CacheMisses)
	}
}
