package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/fulltext"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/storage"
)

func newTestServer(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	dir := t.TempDir()
	backend, err := storage.NewDiskBackend(filepath.Join(dir, "documents"))
	if err != nil {
		t.Fatal(err)
	}
	registry, err := fulltext.NewRegistry(filepath.Join(dir, "indexes"), backend)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = registry.Close() })
	srv := NewServer(registry, &config.ServerConfig{Host: "localhost", Port: 8080}, zap.NewNop(), opts...)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func addDoc(t *testing.T, h http.Handler, content, title string) int64 {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/indexes/books/documents", map[string]interface{}{
		"content":  content,
		"document": map[string]string{"title": title},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, w, &out)
	return out.ID
}

type searchResponse struct {
	TotalCount int  `json:"total_count"`
	Cached     bool `json:"cached"`
	Page       []struct {
		ID      int64           `json:"id"`
		Payload json.RawMessage `json:"payload"`
		Error   string          `json:"error"`
	} `json:"page"`
}

func TestHandleHealth(t *testing.T) {
	h := newTestServer(t)
	w := do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("response should carry a request id")
	}
}

func TestRequestID_keepsCallerValue(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get(HeaderRequestID); got != "abc-123" {
		t.Errorf("request id = %q, want abc-123", got)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	h := newTestServer(t)
	id := addDoc(t, h, "mama peter janko", "first")
	path := "/api/v1/indexes/books/documents/" + itoa(id)

	w := do(t, h, http.MethodGet, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read status: got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"title":"first"`) {
		t.Errorf("read body: %s", w.Body.String())
	}

	w = do(t, h, http.MethodPut, path, map[string]interface{}{
		"content":  "wendy darling",
		"document": map[string]string{"title": "second"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status: got %d, body: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, path, nil)
	if !strings.Contains(w.Body.String(), `"title":"second"`) {
		t.Errorf("read after update: %s", w.Body.String())
	}
	w = do(t, h, http.MethodGet, path+"?keywords=true", nil)
	var doc struct {
		ID       int64    `json:"id"`
		Keywords []string `json:"keywords"`
	}
	decodeBody(t, w, &doc)
	if doc.ID != id || strings.Join(doc.Keywords, " ") != "wendi darling" {
		t.Errorf("read with keywords = %+v", doc)
	}

	w = do(t, h, http.MethodDelete, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status: got %d", w.Code)
	}
	if w = do(t, h, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("read after remove: got %d, want 404", w.Code)
	}
	if w = do(t, h, http.MethodDelete, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("second remove: got %d, want 404", w.Code)
	}
}

func TestHandleSearch(t *testing.T) {
	h := newTestServer(t)
	id1 := addDoc(t, h, "mama peter janko", "one")
	id2 := addDoc(t, h, "peter pan", "two")
	addDoc(t, h, "captain hook", "three")

	w := do(t, h, http.MethodPost, "/api/v1/indexes/books/search", map[string]interface{}{"query": "peter"})
	if w.Code != http.StatusOK {
		t.Fatalf("search status: got %d, body: %s", w.Code, w.Body.String())
	}
	var res searchResponse
	decodeBody(t, w, &res)
	if res.TotalCount != 2 || len(res.Page) != 2 {
		t.Fatalf("search: got %+v", res)
	}
	// The shorter line wins.
	if res.Page[0].ID != id2 || res.Page[1].ID != id1 {
		t.Errorf("order: got [%d %d], want [%d %d]", res.Page[0].ID, res.Page[1].ID, id2, id1)
	}

	w = do(t, h, http.MethodPost, "/api/v1/indexes/books/search", map[string]interface{}{"query": "peter", "take": 1, "skip": 1})
	decodeBody(t, w, &res)
	if len(res.Page) != 1 || res.Page[0].ID != id1 || !res.Cached {
		t.Errorf("second page: got %+v", res)
	}

	w = do(t, h, http.MethodPost, "/api/v1/indexes/books/search", map[string]interface{}{"query": "peter hook", "strict": false})
	decodeBody(t, w, &res)
	if res.TotalCount != 3 {
		t.Errorf("non-strict total: got %d, want 3", res.TotalCount)
	}
}

func TestHandleClearCache(t *testing.T) {
	h := newTestServer(t)
	addDoc(t, h, "peter", "one")
	do(t, h, http.MethodPost, "/api/v1/indexes/books/search", map[string]interface{}{"query": "peter"})
	addDoc(t, h, "peter again", "two")

	var res searchResponse
	decodeBody(t, do(t, h, http.MethodPost, "/api/v1/indexes/books/search", map[string]interface{}{"query": "peter"}), &res)
	if res.TotalCount != 1 {
		t.Fatalf("cached total: got %d, want 1", res.TotalCount)
	}
	if w := do(t, h, http.MethodDelete, "/api/v1/indexes/books/cache", nil); w.Code != http.StatusOK {
		t.Fatalf("clear status: got %d", w.Code)
	}
	decodeBody(t, do(t, h, http.MethodPost, "/api/v1/indexes/books/search", map[string]interface{}{"query": "peter"}), &res)
	if res.TotalCount != 2 {
		t.Errorf("total after clear: got %d, want 2", res.TotalCount)
	}
}

func TestHandleStatusAndList(t *testing.T) {
	h := newTestServer(t)
	addDoc(t, h, "peter", "one")

	w := do(t, h, http.MethodGet, "/api/v1/indexes/books/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var st fulltext.Status
	decodeBody(t, w, &st)
	if st.Name != "books" || st.Records != 1 || st.Documents != 1 {
		t.Errorf("status: got %+v", st)
	}

	w = do(t, h, http.MethodGet, "/api/v1/indexes", nil)
	var list struct {
		Indexes []string `json:"indexes"`
	}
	decodeBody(t, w, &list)
	if len(list.Indexes) != 1 || list.Indexes[0] != "books" {
		t.Errorf("indexes: got %v", list.Indexes)
	}
}

func TestHandlers_badRequests(t *testing.T) {
	h := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"invalid index name", http.MethodGet, "/api/v1/indexes/bad.name/status", nil, http.StatusBadRequest},
		{"invalid id", http.MethodGet, "/api/v1/indexes/books/documents/abc", nil, http.StatusBadRequest},
		{"missing document", http.MethodPost, "/api/v1/indexes/books/documents", map[string]string{"content": "x"}, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/api/v1/indexes/books/documents/42", nil, http.StatusNotFound},
		{"unknown update", http.MethodPut, "/api/v1/indexes/books/documents/42",
			map[string]interface{}{"content": "x", "document": map[string]string{}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status: got %d, want %d, body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/indexes/books/search", strings.NewReader("{"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, WithMetrics(metrics.New()))
	do(t, h, http.MethodGet, "/health", nil)
	w := do(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `kensaku_http_requests_total{method="GET",route="/health",status="200"} 1`) {
		t.Errorf("metrics body lacks the health request:\n%s", w.Body.String())
	}
}

func TestMetricsEndpoint_disabled(t *testing.T) {
	h := newTestServer(t)
	if w := do(t, h, http.MethodGet, "/metrics", nil); w.Code != http.StatusNotFound {
		t.Errorf("metrics without collectors: got %d, want 404", w.Code)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
