package models

import (
	"time"
)

// SessionStatus represents the lifecycle state of an upload session
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusExpired   SessionStatus = "EXPIRED"
	SessionStatusFinalized SessionStatus = "FINALIZED"
	SessionStatusRemoved   SessionStatus = "REMOVED"
)

// ScanStatus represents the malware scan verdict for an uploaded file
type ScanStatus string

const (
	ScanStatusPending  ScanStatus = "PENDING"
	ScanStatusClean    ScanStatus = "CLEAN"
	ScanStatusInfected ScanStatus = "INFECTED"
	ScanStatusError    ScanStatus = "SCAN_ERROR"
)

// UploadSession is the durable record of an in-progress upload. The session
// exclusively owns its UploadedFile rows and the temp directory keyed by its
// token; expiry/removal must release both.
type UploadSession struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Token          string         `gorm:"uniqueIndex;size:64;not null" json:"token"`
	Status         SessionStatus  `gorm:"size:20;not null;default:ACTIVE;index" json:"status"`
	TotalBytes     int64          `gorm:"default:0" json:"total_bytes"`
	FileCount      int            `gorm:"default:0" json:"file_count"`
	Files          []UploadedFile `gorm:"foreignKey:SessionID" json:"files,omitempty"`
	ReminderSentAt *time.Time     `json:"reminder_sent_at,omitempty"`
	LastActivityAt time.Time      `gorm:"index;not null" json:"last_activity_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsActive reports whether the session still accepts mutations
func (s *UploadSession) IsActive() bool {
	return s.Status == SessionStatusActive
}

// ExpiresAt returns the moment the session becomes eligible for expiry given
// the configured inactivity window. Zero time when expiry is disabled.
func (s *UploadSession) ExpiresAt(inactivityWindow time.Duration) time.Time {
	if inactivityWindow <= 0 {
		return time.Time{}
	}
	return s.LastActivityAt.Add(inactivityWindow)
}

// UploadedFile is one accepted file in a session. Name is unique within the
// session; collisions are rejected at accept time, never renamed.
type UploadedFile struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	SessionID   uint       `gorm:"index:idx_session_file,unique;not null" json:"session_id"`
	Name        string     `gorm:"index:idx_session_file,unique;size:255;not null" json:"name"`
	Size        int64      `gorm:"not null" json:"size"`
	StoragePath string     `gorm:"size:500;not null" json:"-"`
	ScanStatus  ScanStatus `gorm:"size:20;not null;default:PENDING" json:"scan_status"`
	CreatedAt   time.Time  `json:"created_at"`
}
