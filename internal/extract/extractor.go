// Package extract turns document files into plain text for keyword extraction.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsupported is returned for extensions without a registered format.
var ErrUnsupported = errors.New("unsupported document format")

// Document is the text of a file plus the title found in it, if any.
type Document struct {
	Title string
	Text  string
}

type formatFunc func(content []byte) (Document, error)

var formats = map[string]formatFunc{
	".txt":  plainText,
	".md":   markdown,
	".rst":  plainText,
	".html": htmlText,
	".htm":  htmlText,
	".pdf":  pdfText,
	".docx": docxText,
	".xlsx": xlsxText,
	".odt":  catText,
	".rtf":  catText,
}

// Extractor extracts plain text from document files.
type Extractor struct {
	maxBytes int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxBytes skips files larger than n bytes; zero means no limit.
func WithMaxBytes(n int64) Option {
	return func(e *Extractor) { e.maxBytes = n }
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supported reports whether ext (with its leading dot) has a format.
func Supported(ext string) bool {
	_, ok := formats[strings.ToLower(ext)]
	return ok
}

// Extensions lists the supported extensions in sorted order.
func Extensions() []string {
	out := make([]string, 0, len(formats))
	for ext := range formats {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Extract reads the file at path and returns its text.
func (e *Extractor) Extract(path string) (Document, error) {
	if e.maxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return Document{}, fmt.Errorf("stat file: %w", err)
		}
		if info.Size() > e.maxBytes {
			return Document{}, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), e.maxBytes)
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Ext(path))
}

// ExtractBytes extracts text from content based on the given extension,
// which should include the leading dot (e.g. ".pdf").
func (e *Extractor) ExtractBytes(content []byte, ext string) (Document, error) {
	fn, ok := formats[strings.ToLower(ext)]
	if !ok {
		return Document{}, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	doc, err := fn(content)
	if err != nil {
		return Document{}, err
	}
	doc.Title = strings.TrimSpace(doc.Title)
	return doc, nil
}
