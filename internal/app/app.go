package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ocrdesk/internal/util"
	"ocrdesk/pkg/ai"
	"ocrdesk/pkg/domain"
	"ocrdesk/pkg/storage"
	"ocrdesk/pkg/store"
)

const defaultOCRTimeout = 90 * time.Second

// Delegate is the external OCR capability.
type Delegate interface {
	ExtractDocument(ctx context.Context, doc ai.Document) (ai.Result, error)
}

// Config wires the application core.
type Config struct {
	Store      store.Store
	OCR        Delegate
	Files      storage.ObjectStore // optional; originals are not kept when nil
	OCRTimeout time.Duration
}

// App composes the user directory and the OCR submission pipeline.
type App struct {
	store      store.Store
	ocr        Delegate
	files      storage.ObjectStore
	ocrTimeout time.Duration
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.OCR == nil {
		return nil, fmt.Errorf("ocr delegate is required")
	}
	timeout := cfg.OCRTimeout
	if timeout <= 0 {
		timeout = defaultOCRTimeout
	}
	return &App{
		store:      cfg.Store,
		ocr:        cfg.OCR,
		files:      cfg.Files,
		ocrTimeout: timeout,
	}, nil
}

// EnsureAccount resolves the local account for a verified identity, creating
// it with role user on first sight. A lost insert race is handled by
// re-selecting the winner's row.
func (a *App) EnsureAccount(identity domain.Identity) (domain.Account, error) {
	account, ok, err := a.store.GetAccountBySubject(identity.Subject)
	if err != nil {
		return domain.Account{}, fmt.Errorf("fetch account: %w", err)
	}
	if ok {
		return account, nil
	}
	slog.Info("provisioning new account", "subject", identity.Subject, "email", identity.Email)
	account, err = a.store.CreateAccount(domain.Account{
		SubjectID: identity.Subject,
		Email:     identity.Email,
		Username:  usernameFromEmail(identity.Email, identity.Subject),
		Role:      domain.RoleUser,
		CreatedAt: time.Now().UTC(),
	})
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrSubjectExists) {
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}
	account, ok, err = a.store.GetAccountBySubject(identity.Subject)
	if err != nil {
		return domain.Account{}, fmt.Errorf("refetch account after conflict: %w", err)
	}
	if !ok {
		return domain.Account{}, fmt.Errorf("account vanished after insert conflict")
	}
	return account, nil
}

// Authenticate resolves the identity to an enabled account and records the
// login time before the request proceeds.
func (a *App) Authenticate(identity domain.Identity) (domain.Account, error) {
	account, err := a.EnsureAccount(identity)
	if err != nil {
		return domain.Account{}, err
	}
	if account.Disabled {
		return domain.Account{}, ErrAccountDisabled
	}
	now := time.Now().UTC()
	if err := a.store.TouchLastLogin(account.ID, now); err != nil {
		return domain.Account{}, fmt.Errorf("touch last login: %w", err)
	}
	account.LastLoginAt = &now
	return account, nil
}

// GetAccountBySubject returns one directory entry.
func (a *App) GetAccountBySubject(subject string) (domain.Account, error) {
	account, ok, err := a.store.GetAccountBySubject(subject)
	if err != nil {
		return domain.Account{}, fmt.Errorf("fetch account: %w", err)
	}
	if !ok {
		return domain.Account{}, ErrAccountNotFound
	}
	return account, nil
}

// ListAccounts returns all accounts (admin use only).
func (a *App) ListAccounts() ([]domain.Account, error) {
	return a.store.ListAccounts()
}

// AccountStats returns directory counters (admin use only).
func (a *App) AccountStats() (domain.AccountStats, error) {
	return a.store.AccountStats()
}

// SetRole updates a user's role (admin use only).
func (a *App) SetRole(subject, role string) error {
	parsed, ok := ParseRole(role)
	if !ok {
		return ErrInvalidRole
	}
	return a.store.SetAccountRole(subject, parsed)
}

// SetDisabled flips an account's disabled flag. Admins cannot disable
// themselves.
func (a *App) SetDisabled(caller domain.Account, subject string, disabled bool) error {
	if caller.SubjectID == subject {
		return ErrSelfTarget
	}
	return a.store.SetAccountDisabled(subject, disabled)
}

// DeleteAccount removes an account. Admins cannot delete themselves.
func (a *App) DeleteAccount(caller domain.Account, subject string) error {
	if caller.SubjectID == subject {
		return ErrSelfTarget
	}
	return a.store.DeleteAccount(subject)
}

// ParseRole validates a role string.
func ParseRole(role string) (domain.AccountRole, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case string(domain.RoleUser):
		return domain.RoleUser, true
	case string(domain.RoleAdmin):
		return domain.RoleAdmin, true
	default:
		return "", false
	}
}

// Upload is one file submission handed to the pipeline.
type Upload struct {
	FileName     string
	MimeType     string
	SizeBytes    int64
	Data         []byte
	Language     string
	DocumentType string
}

// ProcessUpload runs the transactional submission pipeline: insert a pending
// job row, invoke the delegate under a deadline, finalize the row in the
// same transaction. Delegate failures are recorded on the job, not returned;
// the returned error covers storage failures only.
func (a *App) ProcessUpload(ctx context.Context, caller domain.Account, up Upload) (domain.OcrJob, error) {
	if strings.TrimSpace(up.Language) == "" {
		up.Language = "eng"
	}
	if strings.TrimSpace(up.DocumentType) == "" {
		up.DocumentType = "general"
	}
	logger := util.LoggerFromContext(ctx)

	filePath := "N/A"
	if a.files != nil {
		key := fmt.Sprintf("%s/%d-%s", caller.SubjectID, time.Now().UTC().UnixNano(), up.FileName)
		if err := a.files.Put(ctx, key, bytes.NewReader(up.Data), int64(len(up.Data)), up.MimeType); err != nil {
			logger.Warn("keeping original failed, continuing without it", "file", up.FileName, "err", err)
		} else {
			filePath = key
		}
	}

	tx, err := a.store.BeginJob()
	if err != nil {
		return domain.OcrJob{}, fmt.Errorf("begin submission: %w", err)
	}
	job := domain.OcrJob{
		AccountID:    caller.ID,
		SubjectID:    caller.SubjectID,
		FileName:     up.FileName,
		FilePath:     filePath,
		MimeType:     up.MimeType,
		SizeBytes:    up.SizeBytes,
		DocumentType: up.DocumentType,
	}
	id, err := tx.InsertPending(job)
	if err != nil {
		_ = tx.Rollback()
		return domain.OcrJob{}, fmt.Errorf("record submission: %w", err)
	}

	start := time.Now()
	ocrCtx := ctx
	if a.ocrTimeout > 0 {
		var cancel context.CancelFunc
		ocrCtx, cancel = context.WithTimeout(ctx, a.ocrTimeout)
		defer cancel()
	}
	result, ocrErr := a.ocr.ExtractDocument(ocrCtx, ai.Document{
		Data:         up.Data,
		MimeType:     up.MimeType,
		Language:     up.Language,
		DocumentType: up.DocumentType,
	})
	duration := time.Since(start).Milliseconds()

	final := store.JobFinal{DurationMilli: duration}
	if ocrErr != nil {
		logger.Warn("ocr delegate failed", "file", up.FileName, "err", ocrErr)
		msg := ocrErr.Error()
		final.Status = domain.JobFailed
		final.Result = "OCR processing failed: " + msg
		final.ErrorMessage = &msg
	} else {
		final.Status = domain.JobCompleted
		final.Result = result.Text
		final.ExtractedData = result.Structured
	}

	if err := tx.Finalize(id, final); err != nil {
		_ = tx.Rollback()
		a.compensate(logger, id, err, duration)
		return domain.OcrJob{}, fmt.Errorf("finalize submission: %w", err)
	}
	if err := tx.Commit(); err != nil {
		a.compensate(logger, id, err, duration)
		return domain.OcrJob{}, fmt.Errorf("commit submission: %w", err)
	}

	now := time.Now().UTC()
	job.ID = id
	job.Status = final.Status
	job.Result = final.Result
	job.ExtractedData = final.ExtractedData
	job.ErrorMessage = final.ErrorMessage
	job.DurationMilli = duration
	job.CreatedAt = now
	job.UpdatedAt = now
	return job, nil
}

// compensate marks the job failed on the pool connection after the
// submission transaction rolled back. Best effort: its own failure is only
// logged, never surfaced.
func (a *App) compensate(logger *slog.Logger, id int64, cause error, duration int64) {
	msg := cause.Error()
	if err := a.store.MarkJobFailed(id, "Error: "+msg, msg, duration); err != nil {
		logger.Warn("compensating job update failed", "job_id", id, "err", err)
	}
}

// History returns the caller's job history, most recently updated first.
func (a *App) History(subject string) ([]domain.JobSummary, error) {
	return a.store.ListJobsBySubject(subject)
}

// HistoryItem returns one history entry, ownership-checked by subject id.
func (a *App) HistoryItem(id int64, subject string) (domain.JobSummary, bool, error) {
	return a.store.GetJobBySubject(id, subject)
}

// DashboardSummary returns the caller's full job rows.
func (a *App) DashboardSummary(subject string) ([]domain.OcrJob, error) {
	return a.store.ListJobRecordsBySubject(subject)
}

func usernameFromEmail(email, fallback string) string {
	email = strings.TrimSpace(email)
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	if email != "" {
		return email
	}
	return fallback
}
