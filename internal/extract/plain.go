package extract

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxTitleRunes = 120

var (
	htmlTitle    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	htmlNonText  = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	markdownHead = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

func validUTF8(content []byte) string {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "�")
	}
	return string(content)
}

// firstLine returns the first non-blank line, cut to maxTitleRunes.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > maxTitleRunes {
			line = string(r[:maxTitleRunes])
		}
		return line
	}
	return ""
}

func plainText(content []byte) (Document, error) {
	text := validUTF8(content)
	return Document{Title: firstLine(text), Text: text}, nil
}

func markdown(content []byte) (Document, error) {
	text := validUTF8(content)
	title := ""
	if m := markdownHead.FindStringSubmatch(text); m != nil {
		title = m[1]
	} else {
		title = firstLine(text)
	}
	return Document{Title: title, Text: text}, nil
}

// htmlText keeps the markup; tags are stripped during keyword extraction.
// Script, style and head blocks are dropped here because their contents are
// not tags.
func htmlText(content []byte) (Document, error) {
	text := validUTF8(content)
	title := ""
	if m := htmlTitle.FindStringSubmatch(text); m != nil {
		title = html.UnescapeString(strings.TrimSpace(m[1]))
	}
	body := html.UnescapeString(htmlNonText.ReplaceAllString(text, " "))
	return Document{Title: title, Text: body}, nil
}
