package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveQueue("x", 1, 2, 3)
	m.ObserveMutation("x", "add", nil)
	m.ObserveSearch("x", time.Millisecond, true, 3)
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestMetrics_Observe(t *testing.T) {
	m := New()
	m.ObserveQueue("books", 2, 5, 1)
	if got := testutil.ToFloat64(m.PendingMutations.WithLabelValues("books")); got != 2 {
		t.Errorf("pending mutations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PendingReads.WithLabelValues("books")); got != 5 {
		t.Errorf("pending reads = %v, want 5", got)
	}

	m.ObserveMutation("books", "add", nil)
	m.ObserveMutation("books", "add", errors.New("boom"))
	if got := testutil.ToFloat64(m.MutationsTotal.WithLabelValues("books", "add", "error")); got != 1 {
		t.Errorf("failed adds = %v, want 1", got)
	}

	m.ObserveSearch("books", time.Millisecond, true, 4)
	m.ObserveSearch("books", time.Millisecond, false, 0)
	m.ObserveSearch("books", time.Millisecond, true, 4)
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("books", "hit")); got != 2 {
		t.Errorf("cache hits = %v, want 2", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kensaku_http_requests_total") {
		t.Error("scrape output is missing kensaku_http_requests_total")
	}
}
