// Package ranking scores index lines against query keywords.
//
// The score of a line is the sum of the offsets at which each keyword first
// occurs in the line's keyword text, multiplied by one plus the number of
// keywords that were not found. Missing keywords add the full line length as
// a penalty. Lower scores rank higher.
package ranking

import (
	"sort"
	"strconv"
	"strings"

	"github.com/hyperjump/kensaku/internal/index"
)

// Score scores one stored index line. ok is false when the line does not
// match: with no keywords, or in strict mode when any keyword is missing.
func Score(line string, keywords []string, strict bool) (score int, ok bool) {
	if len(keywords) == 0 {
		return 0, false
	}
	_, text := index.SplitLine(line)
	sum := 0
	factor := 1
	for _, kw := range keywords {
		pos := strings.Index(text, kw)
		if pos < 0 {
			if strict {
				return 0, false
			}
			sum += len(line)
			factor++
			continue
		}
		sum += pos
	}
	return sum * factor, true
}

// Candidate is a matched document and its score.
type Candidate struct {
	ID    int64
	Score int
}

// Ranker collects candidates during a scan and orders them.
type Ranker struct {
	keywords   []string
	strict     bool
	candidates []Candidate
	skipped    int
}

// NewRanker creates a Ranker for the given query keywords.
func NewRanker(keywords []string, strict bool) *Ranker {
	return &Ranker{keywords: keywords, strict: strict}
}

// Consider scores line and keeps it when it matches. Lines with an
// unparseable id are counted as skipped.
func (r *Ranker) Consider(line string) {
	if len(r.keywords) == 0 {
		return
	}
	idField, _ := index.SplitLine(line)
	id, err := strconv.ParseInt(idField, 10, 64)
	if err != nil {
		r.skipped++
		return
	}
	if score, ok := Score(line, r.keywords, r.strict); ok {
		r.candidates = append(r.candidates, Candidate{ID: id, Score: score})
	}
}

// Skipped returns the number of malformed lines seen.
func (r *Ranker) Skipped() int {
	return r.skipped
}

// Ranked returns the matched ids ordered by ascending score. Ties keep the
// order in which lines were considered.
func (r *Ranker) Ranked() []int64 {
	return Rank(r.candidates)
}

// Rank stably sorts candidates by ascending score and returns their ids.
// The result is never nil.
func Rank(candidates []Candidate) []int64 {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score < sorted[j].Score
	})
	ids := make([]int64, len(sorted))
	for i, c := range sorted {
		ids[i] = c.ID
	}
	return ids
}
