package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// InProgressSubmission is the donor-visible wrapper around an upload session
// plus partially filled accession metadata. One row per started form wizard.
// Destroyed when the donor deletes it, when it is finalized into a Submission,
// or when its session expires and is swept.
type InProgressSubmission struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UUID            string          `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	ContactName     string          `gorm:"size:255" json:"contact_name"`
	ContactEmail    string          `gorm:"size:255;index" json:"contact_email"`
	AccessionTitle  string          `gorm:"size:255" json:"accession_title"`
	CurrentStep     string          `gorm:"size:50" json:"current_step"`
	Metadata        json.RawMessage `gorm:"type:jsonb" json:"metadata"` // saved wizard step data
	UploadSessionID *uint           `gorm:"index" json:"upload_session_id,omitempty"`
	UploadSession   *UploadSession  `gorm:"foreignKey:UploadSessionID" json:"upload_session,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       gorm.DeletedAt  `gorm:"index" json:"-"`
}

// SubmissionStatus represents the review state of a completed submission
type SubmissionStatus string

const (
	SubmissionStatusReceived  SubmissionStatus = "received"
	SubmissionStatusPackaging SubmissionStatus = "packaging"
	SubmissionStatusPackaged  SubmissionStatus = "packaged"
	SubmissionStatusFailed    SubmissionStatus = "packaging_failed"
)

// Submission is a finalized donor submission awaiting/holding its archival bag
type Submission struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	UUID           string           `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	ContactName    string           `gorm:"size:255" json:"contact_name"`
	ContactEmail   string           `gorm:"size:255;index" json:"contact_email"`
	AccessionTitle string           `gorm:"size:255" json:"accession_title"`
	Metadata       json.RawMessage  `gorm:"type:jsonb" json:"metadata"`
	Status         SubmissionStatus `gorm:"size:30;not null;default:received;index" json:"status"`
	BagPath        string           `gorm:"size:500" json:"bag_path,omitempty"`
	FileCount      int              `json:"file_count"`
	TotalBytes     int64            `json:"total_bytes"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	DeletedAt      gorm.DeletedAt   `gorm:"index" json:"-"`
}

// PackagingJobStatus represents the state of an asynchronous packaging attempt
type PackagingJobStatus string

const (
	PackagingJobPending    PackagingJobStatus = "pending"
	PackagingJobInProgress PackagingJobStatus = "in_progress"
	PackagingJobDone       PackagingJobStatus = "done"
	PackagingJobFailed     PackagingJobStatus = "failed"
)

// PackagingJob is the crash-safe handoff between finalize and the bag
// builder. The file set captured at finalize time is serialized into the row
// so a retry never re-reads session state, re-validates or re-scans.
type PackagingJob struct {
	ID           uint               `gorm:"primaryKey" json:"id"`
	SubmissionID uint               `gorm:"index;not null" json:"submission_id"`
	Submission   *Submission        `gorm:"foreignKey:SubmissionID" json:"submission,omitempty"`
	FileSet      json.RawMessage    `gorm:"type:jsonb;not null" json:"file_set"`
	Status       PackagingJobStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	Attempts     int                `gorm:"default:0" json:"attempts"`
	LastError    string             `gorm:"type:text" json:"last_error,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
