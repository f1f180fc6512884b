package store

import (
	"errors"
	"time"

	"ocrdesk/pkg/domain"
)

// ErrSubjectExists reports a first-sight insert that lost the race against a
// concurrent request for the same subject id. Callers re-select and proceed.
var ErrSubjectExists = errors.New("subject id already registered")

// JobFinal carries the terminal state written back to a pending job row.
type JobFinal struct {
	Status        domain.JobStatus
	Result        string
	ErrorMessage  *string
	ExtractedData []byte
	DurationMilli int64
}

// JobTx is a single submission's unit of work: one pending insert followed by
// one finalize on the same connection.
type JobTx interface {
	InsertPending(job domain.OcrJob) (int64, error)
	Finalize(id int64, final JobFinal) error
	Commit() error
	Rollback() error
}

// Store defines persistence operations for accounts and OCR job records.
type Store interface {
	// accounts
	GetAccountBySubject(subject string) (domain.Account, bool, error)
	CreateAccount(a domain.Account) (domain.Account, error)
	TouchLastLogin(id int64, at time.Time) error
	ListAccounts() ([]domain.Account, error)
	AccountStats() (domain.AccountStats, error)
	SetAccountRole(subject string, role domain.AccountRole) error
	SetAccountDisabled(subject string, disabled bool) error
	DeleteAccount(subject string) error

	// jobs
	BeginJob() (JobTx, error)
	MarkJobFailed(id int64, result, errMsg string, durationMilli int64) error
	ListJobsBySubject(subject string) ([]domain.JobSummary, error)
	GetJobBySubject(id int64, subject string) (domain.JobSummary, bool, error)
	ListJobRecordsBySubject(subject string) ([]domain.OcrJob, error)
}
