package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ocrdesk/internal/app"
	"ocrdesk/internal/jobsim"
	"ocrdesk/internal/ratelimit"
	"ocrdesk/internal/usertoken"
	"ocrdesk/internal/util"
	"ocrdesk/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	TokenVerifier            *usertoken.Verifier
	Simulator                *jobsim.Simulator
	RedisAddr                string
	RedisPassword            string
	VerifyRateLimitPerMinute int
	UploadRateLimitPerMinute int
	MaxUploadBytes           int64
	AllowedExtensions        []string
	TrustedProxies           *util.TrustedProxies
}

// Server exposes the HTTP endpoints of the OCR backend.
type Server struct {
	app               *app.App
	tokenVerifier     *usertoken.Verifier
	sim               *jobsim.Simulator
	mux               *http.ServeMux
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	verifyLimiter     *ratelimit.FixedWindowLimiter
	uploadLimiter     *ratelimit.FixedWindowLimiter
	trustedProxies    *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	verifyLimit := cfg.VerifyRateLimitPerMinute
	if verifyLimit <= 0 {
		verifyLimit = 30
	}
	uploadLimit := cfg.UploadRateLimitPerMinute
	if uploadLimit <= 0 {
		uploadLimit = 10
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "ocrdesk:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	verifyLimiter, err := newLimiter("verify", verifyLimit)
	if err != nil {
		return nil, err
	}
	uploadLimiter, err := newLimiter("upload", uploadLimit)
	if err != nil {
		return nil, err
	}
	sim := cfg.Simulator
	if sim == nil {
		sim = jobsim.New(0)
	}
	s := &Server{
		app:               cfg.App,
		tokenVerifier:     cfg.TokenVerifier,
		sim:               sim,
		mux:               http.NewServeMux(),
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		verifyLimiter:     verifyLimiter,
		uploadLimiter:     uploadLimiter,
		trustedProxies:    cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("ocrdesk", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth & directory
	s.mux.HandleFunc("/api/auth/verify", s.handleVerify)
	s.mux.Handle("/api/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/auth/set-role", s.adminOnly(s.handleSetRole))
	s.mux.Handle("/api/auth/users", s.adminOnly(s.handleUsers))
	s.mux.Handle("/api/auth/users/stats", s.adminOnly(s.handleUserStats))
	s.mux.Handle("/api/auth/users/", s.authenticated(s.handleUserBySubject))

	// ocr
	s.mux.Handle("/api/ocr", s.authenticated(s.handleSimSubmit))
	s.mux.Handle("/api/ocr/status/", s.authenticated(s.handleSimStatus))
	s.mux.Handle("/api/ocr/upload", s.authenticated(s.handleUpload))
	s.mux.Handle("/api/ocr/history", s.authenticated(s.handleHistory))
	s.mux.Handle("/api/ocr/history/", s.authenticated(s.handleHistoryItem))

	// dashboard
	s.mux.Handle("/api/dashboard/summary", s.authenticated(s.handleDashboard))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.Account)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, ok := s.authorize(w, r)
		if !ok {
			return
		}
		next(w, r, account)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, account domain.Account) {
		if !isAdmin(account) {
			s.audit(r, "ocrdesk.admin.authorize", "fail", "uid", account.SubjectID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, account)
	})
}

func isAdmin(account domain.Account) bool {
	return account.Role == domain.RoleAdmin
}

// authorize verifies the bearer token and resolves the local account. It
// writes the error response itself so both wrappers share one path.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (domain.Account, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "ocrdesk.token.verify", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return domain.Account{}, false
	}
	identity, err := s.tokenVerifier.Verify(token)
	if err != nil {
		s.audit(r, "ocrdesk.token.verify", "fail", "reason", "invalid_signature_or_claims")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return domain.Account{}, false
	}
	account, err := s.app.Authenticate(identity)
	if err != nil {
		if errors.Is(err, app.ErrAccountDisabled) {
			s.audit(r, "ocrdesk.token.verify", "fail", "uid", identity.Subject, "reason", "account_disabled")
			writeError(w, http.StatusForbidden, "account disabled")
			return domain.Account{}, false
		}
		s.audit(r, "ocrdesk.token.verify", "fail", "uid", identity.Subject, "reason", "account_lookup_failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return domain.Account{}, false
	}
	s.audit(r, "ocrdesk.token.verify", "success", "uid", account.SubjectID)
	return account, true
}

// handleVerify validates a token from the request body and returns the
// provisioned account. The frontend calls this once after IdP login.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.verifyLimiter, "too many verification attempts") {
		s.audit(r, "ocrdesk.verify", "rate_limited")
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "ocrdesk.verify", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		s.audit(r, "ocrdesk.verify", "fail", "reason", "missing_token")
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	identity, err := s.tokenVerifier.Verify(token)
	if err != nil {
		s.audit(r, "ocrdesk.verify", "fail", "reason", "invalid_signature_or_claims")
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	account, err := s.app.Authenticate(identity)
	if err != nil {
		if errors.Is(err, app.ErrAccountDisabled) {
			s.audit(r, "ocrdesk.verify", "fail", "uid", identity.Subject, "reason", "account_disabled")
			writeError(w, http.StatusForbidden, "account disabled")
			return
		}
		s.audit(r, "ocrdesk.verify", "fail", "uid", identity.Subject, "reason", "account_lookup_failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "ocrdesk.verify", "success", "uid", account.SubjectID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    account,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    account,
	})
}

// directory handlers
func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request, account domain.Account) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req setRoleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}
	s.updateRole(w, r, account, req.UID, req.Role)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, _ domain.Account) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	accounts, err := s.app.ListAccounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"users":   accounts,
		"total":   len(accounts),
	})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request, _ domain.Account) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.AccountStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

// /api/auth/users/{uid} and /api/auth/users/{uid}/{role|status}
func (s *Server) handleUserBySubject(w http.ResponseWriter, r *http.Request, account domain.Account) {
	path := strings.TrimPrefix(r.URL.Path, "/api/auth/users/")
	parts := strings.SplitN(path, "/", 2)
	subject := parts[0]
	if subject == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "role":
			if r.Method != http.MethodPut {
				methodNotAllowed(w)
				return
			}
			if !s.requireAdmin(w, r, account) {
				return
			}
			var req roleRequest
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			s.updateRole(w, r, account, subject, req.Role)
		case "status":
			if r.Method != http.MethodPut {
				methodNotAllowed(w)
				return
			}
			if !s.requireAdmin(w, r, account) {
				return
			}
			var req statusRequest
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if req.Disabled == nil {
				writeError(w, http.StatusBadRequest, "disabled is required")
				return
			}
			s.updateStatus(w, r, account, subject, *req.Disabled)
		default:
			http.NotFound(w, r)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !isAdmin(account) && account.SubjectID != subject {
			s.audit(r, "ocrdesk.users.get", "fail", "uid", account.SubjectID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		target, err := s.app.GetAccountBySubject(subject)
		if errors.Is(err, app.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"user":    target,
		})
	case http.MethodDelete:
		if !s.requireAdmin(w, r, account) {
			return
		}
		if _, err := s.app.GetAccountBySubject(subject); errors.Is(err, app.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if err := s.app.DeleteAccount(account, subject); err != nil {
			if errors.Is(err, app.ErrSelfTarget) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.audit(r, "ocrdesk.users.delete", "success", "uid", account.SubjectID, "target", subject)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "user deleted",
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request, account domain.Account) bool {
	if isAdmin(account) {
		return true
	}
	s.audit(r, "ocrdesk.admin.authorize", "fail", "uid", account.SubjectID, "reason", "forbidden")
	writeError(w, http.StatusForbidden, "forbidden")
	return false
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request, caller domain.Account, subject, role string) {
	if _, err := s.app.GetAccountBySubject(subject); errors.Is(err, app.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.app.SetRole(subject, role); err != nil {
		if errors.Is(err, app.ErrInvalidRole) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "ocrdesk.users.set_role", "success", "uid", caller.SubjectID, "target", subject, "role", role)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "role updated",
	})
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request, caller domain.Account, subject string, disabled bool) {
	if _, err := s.app.GetAccountBySubject(subject); errors.Is(err, app.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.app.SetDisabled(caller, subject, disabled); err != nil {
		if errors.Is(err, app.ErrSelfTarget) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "ocrdesk.users.set_status", "success", "uid", caller.SubjectID, "target", subject, "disabled", disabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "status updated",
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type verifyRequest struct {
	Token string `json:"token"`
}

type setRoleRequest struct {
	UID  string `json:"uid"`
	Role string `json:"role"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type statusRequest struct {
	Disabled *bool `json:"disabled"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Warn("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": msg,
	})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 10 * 1024 * 1024
	}
	return value
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".jpeg", ".jpg", ".png", ".pdf", ".tiff", ".tif"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

func (s *Server) isExtensionAllowed(filename string) bool {
	if len(s.allowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := s.allowedExtensions[ext]
	return ok
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// readUploadFile parses the multipart form and returns the file part. A nil
// header means the error response was already written.
func (s *Server) readUploadFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return nil, nil, false
	}
	if !s.isExtensionAllowed(header.Filename) {
		file.Close()
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return nil, nil, false
	}
	return file, header, true
}

func fileMimeType(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func parseHistoryID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
