package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/lu4p/cat"
	"github.com/xuri/excelize/v2"
)

const (
	docxDocumentXMLPath = "word/document.xml"
	docxCoreXMLPath     = "docProps/core.xml"
)

var (
	// <w:t> runs carry the text; attributes vary between producers.
	docxRun = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// </w:p> closes a paragraph.
	docxParagraph = regexp.MustCompile(`</w:p>`)
	docxTitle     = regexp.MustCompile(`<dc:title>([^<]*)</dc:title>`)
)

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, nil
}

// docxText reads the <w:t> runs of word/document.xml, one line per paragraph.
func docxText(content []byte) (Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Document{}, fmt.Errorf("extract DOCX: not a zip: %w", err)
	}
	body, err := readZipEntry(zr, docxDocumentXMLPath)
	if err != nil {
		return Document{}, fmt.Errorf("extract DOCX: %w", err)
	}
	if body == nil {
		return Document{}, fmt.Errorf("extract DOCX: %s not found", docxDocumentXMLPath)
	}

	var b strings.Builder
	for _, para := range docxParagraph.Split(string(body), -1) {
		runs := docxRun.FindAllStringSubmatch(para, -1)
		if len(runs) == 0 {
			continue
		}
		for _, r := range runs {
			b.WriteString(r[1])
		}
		b.WriteByte('\n')
	}
	text := strings.TrimSpace(b.String())

	title := ""
	if core, err := readZipEntry(zr, docxCoreXMLPath); err == nil && core != nil {
		if m := docxTitle.FindSubmatch(core); m != nil {
			title = string(m[1])
		}
	}
	if title == "" {
		title = firstLine(text)
	}
	return Document{Title: title, Text: text}, nil
}

// xlsxText renders every sheet as tab-separated rows; the title is the first
// sheet name.
func xlsxText(content []byte) (Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return Document{}, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	var buf strings.Builder
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return Document{}, fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		for _, row := range rows {
			buf.WriteString(strings.Join(row, "\t"))
			buf.WriteByte('\n')
		}
	}
	doc := Document{Text: strings.TrimSpace(buf.String())}
	if len(sheets) > 0 {
		doc.Title = sheets[0]
	}
	return doc, nil
}

// catText handles ODT and RTF through lu4p/cat, which sniffs the format.
func catText(content []byte) (Document, error) {
	text, err := cat.FromBytes(content)
	if err != nil {
		return Document{}, fmt.Errorf("extract text: %w", err)
	}
	return Document{Title: firstLine(text), Text: text}, nil
}
