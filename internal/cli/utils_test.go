package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hyperjump/kensaku/internal/models"
)

func sampleResult() *models.SearchResult {
	return &models.SearchResult{
		TotalCount: 2,
		QueryTime:  3,
		Page: []models.Hit{
			{ID: 2, Payload: json.RawMessage(`{"title": "Peter Pan", "size": 10}`)},
			{ID: 1, Err: errors.New("document not found")},
		},
	}
}

func TestParseOutputFormat(t *testing.T) {
	for _, s := range []string{"text", "compact", "json"} {
		if f, err := ParseOutputFormat(s); err != nil || string(f) != s {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", s, f, err)
		}
	}
	if _, err := ParseOutputFormat("yaml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, "peter", sampleResult(), OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		TotalCount int `json:"total_count"`
		Page       []struct {
			ID    int64  `json:"id"`
			Error string `json:"error"`
		} `json:"page"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded.TotalCount != 2 || len(decoded.Page) != 2 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Page[1].Error != "document not found" {
		t.Errorf("per-hit error lost: %+v", decoded.Page[1])
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, "peter", sampleResult(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`Found 2 results for "peter"`, "ID: 2", "Title: Peter Pan", `{"title":"Peter Pan","size":10}`, "error: document not found"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output lacks %q:\n%s", want, out)
		}
	}
}

func TestWriteSearchResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, "peter", sampleResult(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "2\t") || !strings.HasPrefix(lines[1], "1\terror:") {
		t.Errorf("compact output = %q", buf.String())
	}
}

func TestWriteDocument(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDocument(&buf, 7, json.RawMessage(`{"a":1}`), OutputText); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{\n  \"a\": 1\n}\n" {
		t.Errorf("text document = %q", buf.String())
	}
	buf.Reset()
	if err := WriteDocument(&buf, 7, json.RawMessage(`{"a":1}`), OutputJSON); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"id": 7`) {
		t.Errorf("json document = %q", buf.String())
	}
}

func TestWriteFields(t *testing.T) {
	var buf bytes.Buffer
	WriteFields(&buf, [][2]string{{"name", "books"}, {"records", "3"}})
	want := "name:     books\nrecords:  3\n"
	if buf.String() != want {
		t.Errorf("WriteFields = %q, want %q", buf.String(), want)
	}
}

func TestPayloadField(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"title":" x "}`, "x"},
		{`{"title":3}`, ""},
		{`"str"`, ""},
		{`{}`, ""},
	}
	for _, tt := range tests {
		if got := payloadField(json.RawMessage(tt.raw), "title"); got != tt.want {
			t.Errorf("payloadField(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
