package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ocrdesk/pkg/domain"
)

const migrateLockID int64 = 84218421

// Sentinel admin seeded when the directory has no admin account yet.
const (
	bootstrapAdminSubject  = "admin-default"
	bootstrapAdminEmail    = "admin@example.com"
	bootstrapAdminUsername = "admin"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB, runs auto-migrations under an advisory lock,
// and seeds the default admin account when none exists.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&AccountModel{}, &OcrJobModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return seedDefaultAdmin(tx)
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func seedDefaultAdmin(db *gorm.DB) error {
	var count int64
	if err := db.Model(&AccountModel{}).Where("role = ?", string(domain.RoleAdmin)).Count(&count).Error; err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if count > 0 {
		return nil
	}
	now := time.Now().UTC()
	admin := AccountModel{
		SubjectID: bootstrapAdminSubject,
		Email:     bootstrapAdminEmail,
		Username:  bootstrapAdminUsername,
		Role:      string(domain.RoleAdmin),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.Create(&admin).Error; err != nil {
		return fmt.Errorf("seed default admin: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetAccountBySubject looks up an account by external subject id.
func (s *GormStore) GetAccountBySubject(subject string) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.Where("subject_id = ?", subject).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return accountFromModel(model), true, nil
}

// CreateAccount inserts a first-sight account. A concurrent insert for the
// same subject id surfaces as ErrSubjectExists.
func (s *GormStore) CreateAccount(a domain.Account) (domain.Account, error) {
	model := accountToModel(a)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Account{}, ErrSubjectExists
		}
		return domain.Account{}, err
	}
	return accountFromModel(model), nil
}

// TouchLastLogin records a successful authentication.
func (s *GormStore) TouchLastLogin(id int64, at time.Time) error {
	return s.db.Model(&AccountModel{}).
		Where("id = ?", id).
		Update("last_login_at", at.UTC()).Error
}

// ListAccounts returns all accounts, newest first.
func (s *GormStore) ListAccounts() ([]domain.Account, error) {
	var models []AccountModel
	if err := s.db.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Account, 0, len(models))
	for _, m := range models {
		res = append(res, accountFromModel(m))
	}
	return res, nil
}

// AccountStats aggregates directory counters.
func (s *GormStore) AccountStats() (domain.AccountStats, error) {
	var stats domain.AccountStats
	row := s.db.Model(&AccountModel{}).Select(
		"COUNT(*) AS total_users",
		"SUM(CASE WHEN disabled THEN 0 ELSE 1 END) AS active_users",
		"SUM(CASE WHEN disabled THEN 1 ELSE 0 END) AS disabled_users",
		"SUM(CASE WHEN role = 'admin' THEN 1 ELSE 0 END) AS admin_users",
	).Row()
	var active, disabled, admins sql.NullInt64
	if err := row.Scan(&stats.TotalUsers, &active, &disabled, &admins); err != nil {
		return domain.AccountStats{}, err
	}
	stats.ActiveUsers = int(active.Int64)
	stats.DisabledUsers = int(disabled.Int64)
	stats.AdminUsers = int(admins.Int64)
	return stats, nil
}

// SetAccountRole updates the role of the account with the given subject id.
func (s *GormStore) SetAccountRole(subject string, role domain.AccountRole) error {
	return s.db.Model(&AccountModel{}).
		Where("subject_id = ?", subject).
		Updates(map[string]any{
			"role":       string(role),
			"updated_at": time.Now().UTC(),
		}).Error
}

// SetAccountDisabled flips the disabled flag.
func (s *GormStore) SetAccountDisabled(subject string, disabled bool) error {
	return s.db.Model(&AccountModel{}).
		Where("subject_id = ?", subject).
		Updates(map[string]any{
			"disabled":   disabled,
			"updated_at": time.Now().UTC(),
		}).Error
}

// DeleteAccount removes the account row. Job history is kept; rows still
// carry the subject id.
func (s *GormStore) DeleteAccount(subject string) error {
	return s.db.Delete(&AccountModel{}, "subject_id = ?", subject).Error
}

// BeginJob opens the transactional unit of work for one submission.
func (s *GormStore) BeginJob() (JobTx, error) {
	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormJobTx{tx: tx}, nil
}

type gormJobTx struct {
	tx *gorm.DB
}

func (t *gormJobTx) InsertPending(job domain.OcrJob) (int64, error) {
	now := time.Now().UTC()
	model := OcrJobModel{
		AccountID:    job.AccountID,
		SubjectID:    job.SubjectID,
		FileName:     job.FileName,
		FilePath:     job.FilePath,
		MimeType:     job.MimeType,
		SizeBytes:    job.SizeBytes,
		DocumentType: job.DocumentType,
		Status:       string(domain.JobPending),
		Result:       "",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.tx.Create(&model).Error; err != nil {
		return 0, err
	}
	return model.ID, nil
}

func (t *gormJobTx) Finalize(id int64, final JobFinal) error {
	updates := map[string]any{
		"status":             string(final.Status),
		"result":             final.Result,
		"error_message":      final.ErrorMessage,
		"processing_time_ms": final.DurationMilli,
		"updated_at":         time.Now().UTC(),
	}
	if len(final.ExtractedData) > 0 {
		updates["extracted_data"] = datatypes.JSON(final.ExtractedData)
	}
	return t.tx.Model(&OcrJobModel{}).Where("id = ?", id).Updates(updates).Error
}

func (t *gormJobTx) Commit() error {
	return t.tx.Commit().Error
}

func (t *gormJobTx) Rollback() error {
	return t.tx.Rollback().Error
}

// MarkJobFailed is the compensating update issued on the pool connection
// after a rolled-back submission transaction. Best effort.
func (s *GormStore) MarkJobFailed(id int64, result, errMsg string, durationMilli int64) error {
	return s.db.Model(&OcrJobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":             string(domain.JobFailed),
			"result":             result,
			"error_message":      errMsg,
			"processing_time_ms": durationMilli,
			"updated_at":         time.Now().UTC(),
		}).Error
}

// ListJobsBySubject returns the caller's history, most recently updated first.
func (s *GormStore) ListJobsBySubject(subject string) ([]domain.JobSummary, error) {
	var models []OcrJobModel
	if err := s.db.Where("subject_id = ?", subject).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.JobSummary, 0, len(models))
	for _, m := range models {
		res = append(res, summaryFromModel(m))
	}
	return res, nil
}

// GetJobBySubject returns one history entry, ownership-checked by subject id.
func (s *GormStore) GetJobBySubject(id int64, subject string) (domain.JobSummary, bool, error) {
	var model OcrJobModel
	if err := s.db.Where("id = ? AND subject_id = ?", id, subject).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.JobSummary{}, false, nil
		}
		return domain.JobSummary{}, false, err
	}
	return summaryFromModel(model), true, nil
}

// ListJobRecordsBySubject returns full job rows for the dashboard summary.
func (s *GormStore) ListJobRecordsBySubject(subject string) ([]domain.OcrJob, error) {
	var models []OcrJobModel
	if err := s.db.Where("subject_id = ?", subject).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.OcrJob, 0, len(models))
	for _, m := range models {
		res = append(res, jobFromModel(m))
	}
	return res, nil
}

func accountToModel(a domain.Account) AccountModel {
	return AccountModel{
		ID:          a.ID,
		SubjectID:   a.SubjectID,
		Email:       a.Email,
		Username:    a.Username,
		Role:        string(a.Role),
		Disabled:    a.Disabled,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.CreatedAt,
		LastLoginAt: a.LastLoginAt,
	}
}

func accountFromModel(m AccountModel) domain.Account {
	role := domain.AccountRole(m.Role)
	if role == "" {
		role = domain.RoleUser
	}
	return domain.Account{
		ID:          m.ID,
		SubjectID:   m.SubjectID,
		Email:       m.Email,
		Username:    m.Username,
		Role:        role,
		Disabled:    m.Disabled,
		CreatedAt:   m.CreatedAt,
		LastLoginAt: m.LastLoginAt,
	}
}

func jobFromModel(m OcrJobModel) domain.OcrJob {
	return domain.OcrJob{
		ID:            m.ID,
		AccountID:     m.AccountID,
		SubjectID:     m.SubjectID,
		FileName:      m.FileName,
		FilePath:      m.FilePath,
		MimeType:      m.MimeType,
		SizeBytes:     m.SizeBytes,
		DocumentType:  m.DocumentType,
		Status:        domain.JobStatus(m.Status),
		Result:        m.Result,
		ExtractedData: []byte(m.ExtractedData),
		ErrorMessage:  m.ErrorMessage,
		DurationMilli: m.DurationMilli,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func summaryFromModel(m OcrJobModel) domain.JobSummary {
	return domain.JobSummary{
		ID:            m.ID,
		FileName:      m.FileName,
		DocumentType:  m.DocumentType,
		Status:        domain.JobStatus(m.Status),
		Result:        m.Result,
		DurationMilli: m.DurationMilli,
		MimeType:      m.MimeType,
		UpdatedAt:     m.UpdatedAt,
	}
}
