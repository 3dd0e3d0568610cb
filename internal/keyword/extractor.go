// Package keyword extracts ranked, normalized keyword lists from free text.
package keyword

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	regexpchar "github.com/blevesearch/bleve/v2/analysis/char/regexp"
)

// Default extraction limits.
const (
	DefaultMaxCount  = 200
	DefaultMaxLength = 20
	DefaultMinLength = 2
)

// alternatePercent is how much of a keyword survives alternate (fuzzy) mode.
const alternatePercent = 80

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// Options bounds keyword extraction. Zero fields fall back to the defaults.
type Options struct {
	// MaxCount stops extraction once this many tokens have been accepted.
	MaxCount int
	// MaxLength and MinLength bound token length in characters.
	MaxLength int
	MinLength int
}

// DefaultOptions returns the default extraction limits.
func DefaultOptions() Options {
	return Options{
		MaxCount:  DefaultMaxCount,
		MaxLength: DefaultMaxLength,
		MinLength: DefaultMinLength,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxCount <= 0 {
		o.MaxCount = d.MaxCount
	}
	if o.MaxLength <= 0 {
		o.MaxLength = d.MaxLength
	}
	if o.MinLength <= 0 {
		o.MinLength = d.MinLength
	}
	return o
}

// Extractor turns text into keywords. It is safe for concurrent use.
type Extractor struct {
	opts Options
	tags *regexpchar.CharFilter
}

// NewExtractor returns an Extractor with the given limits.
func NewExtractor(opts Options) *Extractor {
	return &Extractor{
		opts: opts.withDefaults(),
		tags: regexpchar.New(tagPattern, []byte(" ")),
	}
}

// Options returns the effective limits.
func (e *Extractor) Options() Options {
	return e.opts
}

// Extract returns the distinct keywords of text, most frequent first; ties
// keep the order of first occurrence. When alternate is set every token is
// cut to 80% of its length so that stored keywords match by prefix.
func (e *Extractor) Extract(text string, alternate bool) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	stripped := string(e.tags.Filter([]byte(text)))
	words := strings.FieldsFunc(Normalize(stripped), isSeparator)

	counts := make(map[string]int, len(words))
	order := make([]string, 0, len(words))
	accepted := 0
	for _, word := range words {
		if utf8.RuneCountInString(word) < e.opts.MinLength {
			continue
		}
		if accepted >= e.opts.MaxCount {
			break
		}
		if alternate {
			word = truncate(word)
		}
		n := utf8.RuneCountInString(word)
		if n < e.opts.MinLength || n > e.opts.MaxLength {
			continue
		}
		if _, seen := counts[word]; !seen {
			order = append(order, word)
		}
		counts[word]++
		accepted++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	return order
}

func truncate(word string) string {
	r := []rune(word)
	return string(r[:len(r)*alternatePercent/100])
}
