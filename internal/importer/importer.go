// Package importer adds the files of a directory to a full-text index.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/extract"
)

// Adder is the part of an index the importer writes to.
type Adder interface {
	Add(ctx context.Context, content string, payload json.RawMessage) (int64, error)
}

// Payload is the document stored for each imported file.
type Payload struct {
	Filename string `json:"filename"`
	Title    string `json:"title"`
	Size     int64  `json:"size"`
}

// Imported pairs an imported file with its document id.
type Imported struct {
	Path string `json:"path"`
	ID   int64  `json:"id"`
}

// Summary reports what a directory import did.
type Summary struct {
	Imported []Imported `json:"imported"`
	Skipped  []string   `json:"skipped"`
}

// Importer reads files, extracts their text and adds them to an index.
type Importer struct {
	target     Adder
	extractor  *extract.Extractor
	extensions []string
	logger     *zap.Logger // optional
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(im *Importer) { im.logger = l }
}

// WithExtensions limits imports to the given extensions (case-insensitive,
// leading dot optional). Without it every supported format is imported.
func WithExtensions(exts []string) Option {
	return func(im *Importer) { im.extensions = exts }
}

// WithExtractor replaces the default text extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(im *Importer) { im.extractor = e }
}

// New returns an Importer that adds documents to target.
func New(target Adder, opts ...Option) *Importer {
	im := &Importer{target: target}
	for _, opt := range opts {
		opt(im)
	}
	if im.extractor == nil {
		im.extractor = extract.NewExtractor()
	}
	return im
}

// Accepts reports whether a file with this path would be imported.
func (im *Importer) Accepts(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !extract.Supported(ext) {
		return false
	}
	return len(im.extensions) == 0 || extensionAllowed(ext, im.extensions)
}

// ImportFile extracts the text of path and adds it as one document.
func (im *Importer) ImportFile(ctx context.Context, path string) (int64, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	content, payload, err := im.prepare(absPath)
	if err != nil {
		return 0, err
	}
	return im.add(ctx, absPath, content, payload)
}

// prepare extracts the content and builds the payload for absPath.
func (im *Importer) prepare(absPath string) (string, json.RawMessage, error) {
	if !im.Accepts(absPath) {
		return "", nil, fmt.Errorf("extension %q not importable", filepath.Ext(absPath))
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	doc, err := im.extractor.Extract(absPath)
	if err != nil {
		return "", nil, fmt.Errorf("extract content: %w", err)
	}

	base := filepath.Base(absPath)
	title := doc.Title
	if title == "" {
		title = base
	}
	payload, err := json.Marshal(Payload{Filename: base, Title: title, Size: info.Size()})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return indexContent(base, doc.Text), payload, nil
}

func (im *Importer) add(ctx context.Context, absPath, content string, payload json.RawMessage) (int64, error) {
	id, err := im.target.Add(ctx, content, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to add %s: %w", filepath.Base(absPath), err)
	}
	if im.logger != nil {
		im.logger.Debug("importer file added", zap.String("path", absPath), zap.Int64("id", id))
	}
	return id, nil
}

// ImportDirectory walks dir recursively and imports every accepted regular
// file. Files that cannot be extracted are skipped and listed in the summary;
// a failed add stops the walk.
func (im *Importer) ImportDirectory(ctx context.Context, dir string) (*Summary, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}

	sum := &Summary{Imported: []Imported{}, Skipped: []string{}}
	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !im.Accepts(path) {
			return nil
		}
		// Resolve symlinks so only regular files are imported
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		content, payload, prepErr := im.prepare(path)
		if prepErr != nil {
			if im.logger != nil {
				im.logger.Warn("importer skipping file", zap.String("path", path), zap.Error(prepErr))
			}
			sum.Skipped = append(sum.Skipped, path)
			return nil
		}
		id, addErr := im.add(ctx, path, content, payload)
		if addErr != nil {
			return addErr
		}
		sum.Imported = append(sum.Imported, Imported{Path: path, ID: id})
		return nil
	})
	return sum, err
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// indexContent is the text handed to the index: the file name words followed
// by the extracted text, on one line with single spaces. The name takes part
// in matching so that "peter_pan.txt" is found by "peter".
func indexContent(filename, text string) string {
	return strings.Join(strings.Fields(normalizeFilename(filename)+" "+text), " ")
}

// normalizeFilename turns "peter_pan-notes.txt" into "peter pan notes".
func normalizeFilename(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(name)
}
