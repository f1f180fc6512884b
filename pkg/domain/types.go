package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type AccountRole string

const (
	RoleUser  AccountRole = "user"
	RoleAdmin AccountRole = "admin"
)

// Identity is the verified claim set returned by the external identity
// provider for a bearer token.
type Identity struct {
	Subject string
	Email   string
}

// Account is the local profile for an externally authenticated user.
// It is created implicitly the first time a subject id is seen.
type Account struct {
	ID          int64       `json:"id"`
	SubjectID   string      `json:"uid"`
	Email       string      `json:"email"`
	Username    string      `json:"username"`
	Role        AccountRole `json:"role"`
	Disabled    bool        `json:"disabled"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastLoginAt *time.Time  `json:"lastLoginAt,omitempty"`
}

// OcrJob is one persistent OCR submission. Status is pending only inside
// the request that created the row; responses always carry a terminal state.
type OcrJob struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"-"`
	SubjectID     string          `json:"uid"`
	FileName      string          `json:"file_name"`
	FilePath      string          `json:"original_file_path"`
	MimeType      string          `json:"image_mime_type"`
	SizeBytes     int64           `json:"image_size"`
	DocumentType  string          `json:"document_type"`
	Status        JobStatus       `json:"status"`
	Result        string          `json:"processed_text"`
	ExtractedData json.RawMessage `json:"extracted_data,omitempty"`
	ErrorMessage  *string         `json:"error_message"`
	DurationMilli int64           `json:"processing_time_ms"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// JobSummary is the projection served by the history endpoints.
type JobSummary struct {
	ID            int64     `json:"id"`
	FileName      string    `json:"file_name"`
	DocumentType  string    `json:"document_type"`
	Status        JobStatus `json:"status"`
	Result        string    `json:"processed_text"`
	DurationMilli int64     `json:"processing_time_ms"`
	MimeType      string    `json:"image_mime_type"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AccountStats aggregates directory counters for the admin endpoints.
type AccountStats struct {
	TotalUsers    int `json:"totalUsers"`
	ActiveUsers   int `json:"activeUsers"`
	DisabledUsers int `json:"disabledUsers"`
	AdminUsers    int `json:"adminUsers"`
}
