package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/matyoung89/ComfyEndpoints/errors"
	"github.com/matyoung89/ComfyEndpoints/filestore"
)

// handleFiles serves POST /files (upload) and GET /files (paginated list).
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleFileUpload(w, r)
	case http.MethodGet:
		s.handleFileList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "expected GET or POST")
	}
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "payload too large")
		return
	}

	mediaType := r.Header.Get("content-type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	appID := r.Header.Get("x-app-id")
	if appID == "" {
		appID = s.appID
	}

	rec, err := s.files.CreateFile(body, mediaType, filestore.SourceUploaded, appID, r.Header.Get("x-file-name"))
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		s.logger.Errorw("File upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "FILE_STORE_ERROR", "upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// An absent limit means the default page size; an explicit one, however
	// small, is clamped by the store.
	limit := filestore.DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid limit")
			return
		}
		limit = n
	}
	var cursor int64
	if raw := q.Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid cursor")
			return
		}
		cursor = n
	}

	records, nextCursor, err := s.files.ListFiles(limit, cursor, filestore.ListFilter{
		MediaType: q.Get("media_type"),
		Source:    q.Get("source"),
		AppID:     q.Get("app_id"),
	})
	if err != nil {
		s.logger.Errorw("File listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "FILE_STORE_ERROR", "listing failed")
		return
	}

	resp := map[string]interface{}{"items": records}
	if records == nil {
		resp["items"] = []interface{}{}
	}
	if nextCursor != nil {
		resp["next_cursor"] = *nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFileByID serves GET /files/:id and GET /files/:id/download.
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/files/")
	parts := strings.Split(rest, "/")

	fileID := parts[0]
	rec, err := s.files.GetFile(fileID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown file id")
			return
		}
		s.logger.Errorw("File lookup failed", "file_id", fileID, "error", err)
		writeError(w, http.StatusInternalServerError, "FILE_STORE_ERROR", "lookup failed")
		return
	}

	switch {
	case len(parts) == 1:
		writeJSON(w, http.StatusOK, rec)
	case len(parts) == 2 && parts[1] == "download":
		data, err := s.files.ReadBlob(rec)
		if err != nil {
			s.logger.Errorw("Blob read failed", "file_id", fileID, "error", err)
			writeError(w, http.StatusInternalServerError, "FILE_STORE_ERROR", "blob read failed")
			return
		}
		name := rec.OriginalName
		if name == "" {
			name = rec.FileID
		}
		w.Header().Set("Content-Type", rec.MediaType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
	}
}
