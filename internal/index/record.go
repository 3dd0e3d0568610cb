package index

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRecord is returned when a line cannot be parsed as a record.
var ErrMalformedRecord = errors.New("malformed index record")

// Record is one line of the index file: a document id followed by its keywords.
type Record struct {
	ID       int64
	Keywords []string
}

// String renders the record as it is stored, without the trailing newline.
// A record without keywords renders as "id,".
func (r Record) String() string {
	return strconv.FormatInt(r.ID, 10) + "," + strings.Join(r.Keywords, ",")
}

// Validate rejects records whose keywords would break the line format.
func (r Record) Validate() error {
	for _, kw := range r.Keywords {
		if kw == "" || strings.ContainsAny(kw, ",\n\r") {
			return fmt.Errorf("%w: invalid keyword %q for id %d", ErrMalformedRecord, kw, r.ID)
		}
	}
	return nil
}

// SplitLine splits a stored line into its id field and its keyword text
// (the comma-joined keywords after the first comma).
func SplitLine(line string) (id, text string) {
	i := strings.IndexByte(line, ',')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

// ParseRecord parses a stored line.
func ParseRecord(line string) (Record, error) {
	idField, text := SplitLine(line)
	id, err := strconv.ParseInt(idField, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}
	rec := Record{ID: id}
	if text != "" {
		rec.Keywords = strings.Split(text, ",")
	}
	return rec, nil
}
