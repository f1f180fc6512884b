package store

import (
	"sort"
	"sync"
	"time"

	"ocrdesk/pkg/domain"
)

// MemoryStore keeps accounts and job records in-process. It backs the test
// suite and mirrors the transactional contract of the Postgres store,
// including staged (uncommitted) job writes.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[string]domain.Account // key: subject id
	jobs       map[int64]domain.OcrJob
	nextAcctID int64
	nextJobID  int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]domain.Account),
		jobs:       make(map[int64]domain.OcrJob),
		nextAcctID: 1,
		nextJobID:  1,
	}
}

// GetAccountBySubject looks up an account by external subject id.
func (m *MemoryStore) GetAccountBySubject(subject string) (domain.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[subject]
	return a, ok, nil
}

// CreateAccount inserts a first-sight account, enforcing subject uniqueness.
func (m *MemoryStore) CreateAccount(a domain.Account) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.SubjectID]; exists {
		return domain.Account{}, ErrSubjectExists
	}
	a.ID = m.nextAcctID
	m.nextAcctID++
	m.accounts[a.SubjectID] = a
	return a, nil
}

// TouchLastLogin records a successful authentication.
func (m *MemoryStore) TouchLastLogin(id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for subject, a := range m.accounts {
		if a.ID == id {
			t := at.UTC()
			a.LastLoginAt = &t
			m.accounts[subject] = a
			break
		}
	}
	return nil
}

// ListAccounts returns all accounts, newest first.
func (m *MemoryStore) ListAccounts() ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// AccountStats aggregates directory counters.
func (m *MemoryStore) AccountStats() (domain.AccountStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats domain.AccountStats
	for _, a := range m.accounts {
		stats.TotalUsers++
		if a.Disabled {
			stats.DisabledUsers++
		} else {
			stats.ActiveUsers++
		}
		if a.Role == domain.RoleAdmin {
			stats.AdminUsers++
		}
	}
	return stats, nil
}

// SetAccountRole updates the role of the account with the given subject id.
func (m *MemoryStore) SetAccountRole(subject string, role domain.AccountRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[subject]; ok {
		a.Role = role
		m.accounts[subject] = a
	}
	return nil
}

// SetAccountDisabled flips the disabled flag.
func (m *MemoryStore) SetAccountDisabled(subject string, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[subject]; ok {
		a.Disabled = disabled
		m.accounts[subject] = a
	}
	return nil
}

// DeleteAccount removes the account row, keeping job history.
func (m *MemoryStore) DeleteAccount(subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, subject)
	return nil
}

type memoryJobTx struct {
	store  *MemoryStore
	staged map[int64]domain.OcrJob
	done   bool
}

// BeginJob opens the transactional unit of work for one submission.
func (m *MemoryStore) BeginJob() (JobTx, error) {
	return &memoryJobTx{store: m, staged: make(map[int64]domain.OcrJob)}, nil
}

func (t *memoryJobTx) InsertPending(job domain.OcrJob) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	now := time.Now().UTC()
	job.ID = t.store.nextJobID
	t.store.nextJobID++
	job.Status = domain.JobPending
	job.Result = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	t.staged[job.ID] = job
	return job.ID, nil
}

func (t *memoryJobTx) Finalize(id int64, final JobFinal) error {
	job, ok := t.staged[id]
	if !ok {
		return nil
	}
	job.Status = final.Status
	job.Result = final.Result
	job.ErrorMessage = final.ErrorMessage
	job.ExtractedData = final.ExtractedData
	job.DurationMilli = final.DurationMilli
	job.UpdatedAt = time.Now().UTC()
	t.staged[id] = job
	return nil
}

func (t *memoryJobTx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	for id, job := range t.staged {
		t.store.jobs[id] = job
	}
	return nil
}

func (t *memoryJobTx) Rollback() error {
	t.done = true
	t.staged = nil
	return nil
}

// MarkJobFailed applies the compensating update outside any transaction.
// The row only exists when the transaction committed, which mirrors the
// SQL store: a rolled-back insert leaves nothing to update.
func (m *MemoryStore) MarkJobFailed(id int64, result, errMsg string, durationMilli int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	job.Status = domain.JobFailed
	job.Result = result
	job.ErrorMessage = &errMsg
	job.DurationMilli = durationMilli
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

// ListJobsBySubject returns the caller's history, most recently updated first.
func (m *MemoryStore) ListJobsBySubject(subject string) ([]domain.JobSummary, error) {
	records, err := m.ListJobRecordsBySubject(subject)
	if err != nil {
		return nil, err
	}
	res := make([]domain.JobSummary, 0, len(records))
	for _, job := range records {
		res = append(res, summaryFromJob(job))
	}
	return res, nil
}

// GetJobBySubject returns one history entry, ownership-checked by subject id.
func (m *MemoryStore) GetJobBySubject(id int64, subject string) (domain.JobSummary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.SubjectID != subject {
		return domain.JobSummary{}, false, nil
	}
	return summaryFromJob(job), true, nil
}

// ListJobRecordsBySubject returns full job rows for the dashboard summary.
func (m *MemoryStore) ListJobRecordsBySubject(subject string) ([]domain.OcrJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.OcrJob, 0)
	for _, job := range m.jobs {
		if job.SubjectID == subject {
			res = append(res, job)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}

func summaryFromJob(job domain.OcrJob) domain.JobSummary {
	return domain.JobSummary{
		ID:            job.ID,
		FileName:      job.FileName,
		DocumentType:  job.DocumentType,
		Status:        job.Status,
		Result:        job.Result,
		DurationMilli: job.DurationMilli,
		MimeType:      job.MimeType,
		UpdatedAt:     job.UpdatedAt,
	}
}
