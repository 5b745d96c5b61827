package shopping

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/shoplist/internal/reconcile"
	"github.com/zombor/shoplist/internal/scanning"
)

// maxUploadSize bounds receipt uploads; phone photos can be large
const maxUploadSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// validationFields maps each invalid field to the rule it broke
func validationFields(errs validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}

// writeError maps an error to its HTTP status and writes it
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	setCORSHeaders(w)

	var (
		validationErrs validator.ValidationErrors
		analysisErr    *scanning.AnalysisError
		commitErr      *reconcile.CommitError
	)
	switch {
	case errors.As(err, &validationErrs):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid request",
			"fields": validationFields(validationErrs),
		})
	case errors.Is(err, ErrNotFound),
		errors.Is(err, reconcile.ErrSessionNotFound),
		errors.Is(err, reconcile.ErrLineNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrDuplicate):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, reconcile.ErrItemNotInPool),
		errors.Is(err, reconcile.ErrNothingToCommit):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &analysisErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "receipt could not be analyzed, please retake the photo",
			"reason":     analysisErr.Reason,
			"unreadable": errors.Is(err, scanning.ErrUnreadable),
		})
	case errors.As(err, &commitErr):
		status := http.StatusBadGateway
		if errors.Is(commitErr.Err, ErrAlreadyChecked) {
			status = http.StatusConflict
		}
		slog.Error("Partial commit", "path", r.URL.Path, "error", err)
		writeJSON(w, status, map[string]any{
			"error":      commitErr.Err.Error(),
			"receipt_id": commitErr.ReceiptID,
			"applied":    nonNil(commitErr.Applied),
			"failed":     commitErr.Failed,
			"skipped":    nonNil(commitErr.Skipped),
		})
	case errors.Is(err, ErrAlreadyChecked):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// decodeJSON reads a JSON request body into v
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, r.PathValue(name))
	}
	return id, nil
}

// readUpload reads the "file" field of a multipart upload. It writes the
// error response itself and returns ok=false on failure.
func readUpload(w http.ResponseWriter, r *http.Request) (data []byte, contentType string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		corsError(w, errorMsg, http.StatusBadRequest)
		return nil, "", false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		corsError(w, errorMsg, http.StatusBadRequest)
		return nil, "", false
	}
	defer f.Close()

	data, err = io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		corsError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return nil, "", false
	}

	contentType = header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = http.DetectContentType(data)
		}
	}
	return data, strings.ToLower(strings.TrimSpace(contentType)), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListItems(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req NewItem
	if err := decodeJSON(r, &req); err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	item, err := s.service.CreateItem(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleSetChecked(w http.ResponseWriter, r *http.Request) {
	var req CheckUpdate
	if err := decodeJSON(r, &req); err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	item, err := s.service.SetChecked(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.service.DeleteItem(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchivedItems(w http.ResponseWriter, r *http.Request) {
	// Unparseable values fall back to the defaults
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	result, err := s.service.ArchivedItems(r.Context(), page, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.service.ListTags(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req NewLabel
	if err := decodeJSON(r, &req); err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	tag, err := s.service.CreateTag(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.service.DeleteTag(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := s.service.ListPeople(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, people)
}

func (s *Server) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var req NewLabel
	if err := decodeJSON(r, &req); err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	person, err := s.service.CreatePerson(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, person)
}

func (s *Server) handleDeletePerson(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.service.DeletePerson(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReceiptForItem returns the item's receipt as a zero or one element list
func (s *Server) handleReceiptForItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(r.URL.Query().Get("itemId"), 10, 64)
	if err != nil {
		corsError(w, "Missing or invalid itemId parameter", http.StatusBadRequest)
		return
	}
	receipt, err := s.service.ReceiptForItem(r.Context(), itemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	receipts := []*Receipt{}
	if receipt != nil {
		receipts = append(receipts, receipt)
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleAttachReceipt(w http.ResponseWriter, r *http.Request) {
	data, contentType, ok := readUpload(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(r.FormValue("itemId"), 10, 64)
	if err != nil {
		corsError(w, "Missing or invalid itemId field", http.StatusBadRequest)
		return
	}

	receipt, err := s.service.AttachReceipt(r.Context(), itemID, data, contentType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, contentType, err := s.service.GetReceiptFile(r.Context(), id)
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) handleDescribeItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		TagID *int64 `json:"tag_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	descriptions, err := s.service.DescribeItem(r.Context(), req.Name, req.TagID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"descriptions": descriptions})
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	values, err := s.service.Embed(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embedding": values})
}

func (s *Server) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	var req VectorQuery
	if err := decodeJSON(r, &req); err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}
	results, err := s.service.VectorSearch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
