package server

import (
	"io"
	"net/http"
	"strings"

	"ocrdesk/internal/app"
	"ocrdesk/pkg/domain"
)

// handleUpload runs the real submission pipeline. Delegate failures still
// answer 200 with a failed record; only storage failures answer 500.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.uploadLimiter, "too many upload attempts") {
		s.audit(r, "ocrdesk.ocr.upload", "rate_limited", "uid", account.SubjectID)
		return
	}
	file, header, ok := s.readUploadFile(w, r)
	if !ok {
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	record, err := s.app.ProcessUpload(r.Context(), account, app.Upload{
		FileName:     header.Filename,
		MimeType:     fileMimeType(header),
		SizeBytes:    header.Size,
		Data:         data,
		Language:     r.FormValue("ocrLanguage"),
		DocumentType: r.FormValue("documentType"),
	})
	if err != nil {
		s.audit(r, "ocrdesk.ocr.upload", "fail", "uid", account.SubjectID, "file", header.Filename)
		writeError(w, http.StatusInternalServerError, "failed to process document")
		return
	}
	s.audit(r, "ocrdesk.ocr.upload", "success", "uid", account.SubjectID, "record_id", record.ID, "status", record.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"record":  record,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	history, err := s.app.History(account.SubjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"history": history,
		"total":   len(history),
	})
}

// /api/ocr/history/{id}
func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/ocr/history/")
	id, ok := parseHistoryID(raw)
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	record, found, err := s.app.HistoryItem(id, account.SubjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"record":  record,
	})
}

// handleSimSubmit is the in-memory demo path. The file is not kept; the job
// advances through fabricated progress on timers.
func (s *Server) handleSimSubmit(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	file, header, ok := s.readUploadFile(w, r)
	if !ok {
		return
	}
	file.Close()
	job := s.sim.Submit(account.SubjectID, header.Filename)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job":     job,
	})
}

// /api/ocr/status/{jobId}
func (s *Server) handleSimStatus(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/ocr/status/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, found := s.sim.Get(jobID)
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.SubjectID != account.SubjectID && !isAdmin(account) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job":     job,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	records, err := s.app.DashboardSummary(account.SubjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"records": records,
		"total":   len(records),
	})
}
