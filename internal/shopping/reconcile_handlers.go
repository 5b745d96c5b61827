package shopping

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zombor/shoplist/internal/reconcile"
)

// sessionResponse is a reconciliation session without its image bytes
type sessionResponse struct {
	ID          string                `json:"id"`
	Date        string                `json:"date"`
	Place       string                `json:"place"`
	Lines       []reconcile.Line      `json:"lines"`
	Dropped     []reconcile.LineItem  `json:"dropped"`
	Pool        []reconcile.Candidate `json:"pool"`
	BulkCreated []int64               `json:"bulk_created"`
	CreatedAt   time.Time             `json:"created_at"`
}

func newSessionResponse(s *reconcile.Session) sessionResponse {
	bulk := make([]int64, 0, len(s.Bulk))
	for _, b := range s.Bulk {
		bulk = append(bulk, b.ItemID)
	}
	return sessionResponse{
		ID:          s.ID,
		Date:        s.Date,
		Place:       s.Place,
		Lines:       nonNil(s.Lines),
		Dropped:     nonNil(s.Dropped),
		Pool:        nonNil(s.Pool),
		BulkCreated: bulk,
		CreatedAt:   s.CreatedAt,
	}
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, code int, session *reconcile.Session, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, code, newSessionResponse(session))
}

func lineIndex(r *http.Request) (int, error) {
	return strconv.Atoi(r.PathValue("line"))
}

func (s *Server) handleAnalyzeReceipt(w http.ResponseWriter, r *http.Request) {
	data, contentType, ok := readUpload(w, r)
	if !ok {
		return
	}
	session, err := s.engine.Analyze(r.Context(), data, contentType)
	s.writeSession(w, r, http.StatusCreated, session, err)
}

func (s *Server) handleGetReconciliation(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.Get(r.Context(), r.PathValue("id"))
	s.writeSession(w, r, http.StatusOK, session, err)
}

func (s *Server) handleDiscardReconciliation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Discard(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIgnoreLine(w http.ResponseWriter, r *http.Request) {
	line, err := lineIndex(r)
	if err != nil {
		corsError(w, "Invalid line index", http.StatusBadRequest)
		return
	}
	session, err := s.engine.Ignore(r.Context(), r.PathValue("id"), line)
	s.writeSession(w, r, http.StatusOK, session, err)
}

func (s *Server) handleRepointLine(w http.ResponseWriter, r *http.Request) {
	line, err := lineIndex(r)
	if err != nil {
		corsError(w, "Invalid line index", http.StatusBadRequest)
		return
	}
	var req struct {
		ItemID int64 `json:"item_id" validate:"required,gt=0"`
	}
	if err := decodeJSON(r, &req); err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.service.validate.Struct(req); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := s.engine.Repoint(r.Context(), r.PathValue("id"), line, req.ItemID)
	s.writeSession(w, r, http.StatusOK, session, err)
}

func (s *Server) handleCreateForLine(w http.ResponseWriter, r *http.Request) {
	line, err := lineIndex(r)
	if err != nil {
		corsError(w, "Invalid line index", http.StatusBadRequest)
		return
	}
	session, err := s.engine.CreateAndRepoint(r.Context(), r.PathValue("id"), line)
	s.writeSession(w, r, http.StatusOK, session, err)
}

func (s *Server) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.BulkCreate(r.Context(), r.PathValue("id"))
	s.writeSession(w, r, http.StatusOK, session, err)
}

func (s *Server) handleUndoBulkCreate(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.UndoBulkCreate(r.Context(), r.PathValue("id"))
	s.writeSession(w, r, http.StatusOK, session, err)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var opts reconcile.CommitOptions
	// An empty body commits without person or tag
	if err := decodeJSON(r, &opts); err != nil && !errors.Is(err, io.EOF) {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.service.ValidateAssignment(r.Context(), opts.PersonID, opts.TagID); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.engine.Commit(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
