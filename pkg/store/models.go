package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type AccountModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	SubjectID   string    `gorm:"uniqueIndex;not null"`
	Email       string    `gorm:"not null"`
	Username    string    `gorm:"not null"`
	Role        string    `gorm:"not null;default:user"`
	Disabled    bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
	LastLoginAt *time.Time
}

type OcrJobModel struct {
	ID            int64          `gorm:"primaryKey;autoIncrement"`
	AccountID     int64          `gorm:"not null;index"`
	SubjectID     string         `gorm:"not null;index"`
	FileName      string         `gorm:"not null"`
	FilePath      string         `gorm:"not null"`
	MimeType      string         `gorm:"not null"`
	SizeBytes     int64          `gorm:"not null"`
	DocumentType  string         `gorm:"not null"`
	Status        string         `gorm:"not null"`
	Result        string         `gorm:"type:text;not null"`
	ExtractedData datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage  *string
	DurationMilli int64     `gorm:"column:processing_time_ms;not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null;index"`
}
