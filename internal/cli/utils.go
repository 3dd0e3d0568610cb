// Package cli formats index results for the terminal.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// OutputFormat is the format of command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one hit per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

const payloadPreviewLen = 200

// WriteSearchResults writes a search result to w in the given format.
func WriteSearchResults(w io.Writer, query string, res *models.SearchResult, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, res)
	case OutputCompact:
		for _, hit := range res.Page {
			fmt.Fprintf(w, "%d\t%s\n", hit.ID, hitSummary(hit))
		}
		return nil
	default:
		writeSearchResultsText(w, query, res)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, query string, res *models.SearchResult) {
	source := "scan"
	if res.Cached {
		source = "cache"
	}
	fmt.Fprintf(w, "\nFound %d results for %q in %dms (%s)\n\n", res.TotalCount, query, res.QueryTime, source)
	for i, hit := range res.Page {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "#%d  ID: %d\n", i+1, hit.ID)
		if title := payloadField(hit.Payload, "title"); title != "" {
			fmt.Fprintf(w, "Title: %s\n", title)
		}
		fmt.Fprintf(w, "\n%s\n\n", hitSummary(hit))
	}
}

// hitSummary is the compacted payload, or the read error.
func hitSummary(hit models.Hit) string {
	if hit.Err != nil {
		return "error: " + hit.Err.Error()
	}
	return utils.Truncate(compactJSON(hit.Payload), payloadPreviewLen)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// payloadField returns a top-level string field of an object payload.
func payloadField(raw json.RawMessage, key string) string {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

// WriteDocument prints one stored document.
func WriteDocument(w io.Writer, id int64, payload json.RawMessage, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, models.Hit{ID: id, Payload: payload})
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		buf.Reset()
		buf.Write(payload)
	}
	fmt.Fprintf(w, "%s\n", buf.String())
	return nil
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteFields prints name/value pairs aligned in two columns.
func WriteFields(w io.Writer, fields [][2]string) {
	width := 0
	for _, f := range fields {
		if len(f[0]) > width {
			width = len(f[0])
		}
	}
	for _, f := range fields {
		fmt.Fprintf(w, "%-*s  %s\n", width+1, f[0]+":", f[1])
	}
}
