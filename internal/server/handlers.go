package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/fulltext"
	"github.com/hyperjump/kensaku/internal/models"
)

// documentRequest is the body of add and update.
type documentRequest struct {
	Content  string          `json:"content"`
	Document json.RawMessage `json:"document"`
}

type searchRequest struct {
	Query string `json:"query"`
	models.SearchOptions
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) (*fulltext.Index, bool) {
	ix, err := s.registry.Open(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondFailure(w, r, "open index", err)
		return nil, false
	}
	return ix, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) documentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, "invalid document id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	names, err := s.registry.Names()
	if err != nil {
		s.respondFailure(w, r, "list indexes", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"indexes": names})
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	ix, ok := s.index(w, r)
	if !ok {
		return
	}
	var req documentRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := ix.Add(r.Context(), req.Content, req.Document)
	if err != nil {
		s.respondFailure(w, r, "add document", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "status": "added"})
}

func (s *Server) handleReadDocument(w http.ResponseWriter, r *http.Request) {
	ix, ok := s.index(w, r)
	if !ok {
		return
	}
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("keywords") == "true" {
		doc, err := ix.Document(r.Context(), id)
		if err != nil {
			s.respondFailure(w, r, "read document", err)
			return
		}
		s.respondJSON(w, http.StatusOK, doc)
		return
	}
	doc, err := ix.Read(r.Context(), id)
	if err != nil {
		s.respondFailure(w, r, "read document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, models.Hit{ID: id, Payload: doc})
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	ix, ok := s.index(w, r)
	if !ok {
		return
	}
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	var req documentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := ix.Update(r.Context(), id, req.Content, req.Document); err != nil {
		s.respondFailure(w, r, "update document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "updated"})
}

func (s *Server) handleRemoveDocument(w http.ResponseWriter, r *http.Request) {
	ix, ok := s.index(w, r)
	if !ok {
		return
	}
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	if err := ix.Remove(r.Context(), id); err != nil {
		s.respondFailure(w, r, "remove document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "removed"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ix, ok := s.index(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Debug("search request", zap.String("index", ix.Name()), zap.String("query", req.Query), zap.Int("take", req.Take))
	res, err := ix.Find(r.Context(), req.Query, req.SearchOptions)
	if err != nil {
		s.respondFailure(w, r, "search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	ix, ok := s.index(w, r)
	if !ok {
		return
	}
	if err := ix.ClearCache(r.Context()); err != nil {
		s.respondFailure(w, r, "clear cache", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ix, ok := s.index(w, r)
	if !ok {
		return
	}
	st, err := ix.Status(r.Context())
	if err != nil {
		s.respondFailure(w, r, "status", err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondFailure maps index errors to status codes; anything unexpected is a 500.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fulltext.ErrInvalidName), errors.Is(err, fulltext.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, fulltext.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fulltext.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
