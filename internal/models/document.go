// Package models defines core data structures for documents, search options, and search results.
package models

import "encoding/json"

// Document is a single indexed document: its keyword list as persisted in the
// index file and its opaque payload as persisted in the document store.
type Document struct {
	ID       int64           `json:"id"`
	Keywords []string        `json:"keywords,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Hit is one resolved entry of a result page. Err is set when the payload
// could not be read; the rest of the page is still returned.
type Hit struct {
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     error           `json:"-"`
}

// MarshalJSON renders Err as a string so per-id failures survive the HTTP API.
func (h Hit) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID      int64           `json:"id"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Error   string          `json:"error,omitempty"`
	}
	w := wire{ID: h.ID, Payload: h.Payload}
	if h.Err != nil {
		w.Error = h.Err.Error()
	}
	return json.Marshal(w)
}
