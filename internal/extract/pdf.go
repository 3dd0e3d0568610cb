package extract

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

func pdfText(content []byte) (Document, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Document{}, fmt.Errorf("open PDF: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return Document{}, fmt.Errorf("extract PDF text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return Document{}, fmt.Errorf("read PDF text: %w", err)
	}
	text := buf.String()
	return Document{Title: firstLine(text), Text: text}, nil
}
