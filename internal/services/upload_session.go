package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/recordtransfer/backend/internal/clamav"
	"github.com/recordtransfer/backend/internal/config"
	"github.com/recordtransfer/backend/internal/models"
)

// FileRecord is one accepted file as handed to the packager
type FileRecord struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	StoragePath string `json:"storage_path"`
}

// FileSet is the immutable result of finalizing a session. It is the only
// input the packager consumes; packaging retries never re-read session state.
type FileSet struct {
	SessionToken string       `json:"session_token"`
	Files        []FileRecord `json:"files"`
	TotalBytes   int64        `json:"total_bytes"`
}

// lockTable hands out one mutex per session token. Entries are reference
// counted so the table does not grow with every session ever created.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*tokenLock
}

type tokenLock struct {
	sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*tokenLock)}
}

func (t *lockTable) acquire(token string) *tokenLock {
	t.mu.Lock()
	l, ok := t.locks[token]
	if !ok {
		l = &tokenLock{}
		t.locks[token] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return l
}

func (t *lockTable) release(token string, l *tokenLock) {
	l.Unlock()

	t.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, token)
	}
	t.mu.Unlock()
}

// UploadSessionService orchestrates accept/reject decisions for incoming
// files against the durable session store. All mutations of a single session
// are serialized through a per-token lock; operations on different sessions
// never contend. The sweeper goes through the same locks, so an
// expire-in-flight and an accept-in-flight on one token can never both win.
type UploadSessionService struct {
	db      *gorm.DB
	scanner clamav.Scanner
	locks   *lockTable

	tempDir           string
	maxSingleFileSize int64
	maxTotalSize      int64
	maxFileCount      int
	inactivityWindow  time.Duration

	// GroupsFn supplies the accepted-extension allow-list. Defaults to the
	// cached system preference; overridable in tests.
	GroupsFn func() ExtensionGroups
}

// NewUploadSessionService creates the session manager
func NewUploadSessionService(db *gorm.DB, scanner clamav.Scanner, cfg *config.Config) *UploadSessionService {
	return &UploadSessionService{
		db:                db,
		scanner:           scanner,
		locks:             newLockTable(),
		tempDir:           cfg.UploadTempDir,
		maxSingleFileSize: cfg.MaxSingleFileSize,
		maxTotalSize:      cfg.MaxTotalSize,
		maxFileCount:      cfg.MaxFileCount,
		inactivityWindow:  time.Duration(cfg.InactivityWindowMinutes) * time.Minute,
		GroupsFn:          AcceptedExtensionGroups,
	}
}

// InactivityWindow returns the configured inactivity window (0 = disabled)
func (s *UploadSessionService) InactivityWindow() time.Duration {
	return s.inactivityWindow
}

// CreateSession allocates a new token and an ACTIVE session with zero files,
// plus the temp directory that will hold its bytes.
func (s *UploadSessionService) CreateSession(ctx context.Context) (*models.UploadSession, error) {
	token := uuid.NewString()

	if err := os.MkdirAll(s.sessionDir(token), 0700); err != nil {
		return nil, fmt.Errorf("create session storage: %w", err)
	}

	now := time.Now().UTC()
	session := &models.UploadSession{
		Token:          token,
		Status:         models.SessionStatusActive,
		LastActivityAt: now,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		os.RemoveAll(s.sessionDir(token))
		return nil, fmt.Errorf("create session: %w", err)
	}

	return session, nil
}

// GetSession loads a session with its files, for display
func (s *UploadSessionService) GetSession(ctx context.Context, token string) (*models.UploadSession, error) {
	var session models.UploadSession
	err := s.db.WithContext(ctx).Preload("Files").Where("token = ?", token).First(&session).Error
	if err == gorm.ErrRecordNotFound {
		return nil, reject(RejectSessionNotFound, "no session for token %s", token)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &session, nil
}

// AcceptFile runs the full accept pipeline for one candidate file: ceiling
// checks against the declared size, duplicate check, validation, persisting
// bytes, malware scan, then the session-state append. The whole sequence
// holds the session lock. On any rejection after bytes were written, the
// bytes are deleted; a rejected file never appears in the session.
func (s *UploadSessionService) AcceptFile(ctx context.Context, token, name string, size int64, r io.Reader) (*models.UploadedFile, error) {
	l := s.locks.acquire(token)
	defer s.locks.release(token, l)

	session, err := s.loadForUpdate(ctx, token)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, reject(RejectSessionNotActive, "session %s is %s", token, session.Status)
	}

	if session.FileCount+1 > s.maxFileCount {
		return nil, reject(RejectTooManyFiles, "session already holds %d files, limit is %d", session.FileCount, s.maxFileCount)
	}

	if session.TotalBytes+size > s.maxTotalSize {
		return nil, reject(RejectTotalSizeExceeded, "accepting %q (%d bytes) would exceed the %d byte session limit", name, size, s.maxTotalSize)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.UploadedFile{}).
		Where("session_id = ? AND name = ?", session.ID, name).
		Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if existing > 0 {
		return nil, reject(RejectDuplicateName, "a file named %q is already in this session", name)
	}

	if err := ValidateFile(name, size, s.GroupsFn(), s.maxSingleFileSize); err != nil {
		return nil, err
	}

	// Persist the bytes under a generated ID so the original name never
	// touches the filesystem.
	storagePath := filepath.Join(s.sessionDir(token), uuid.NewString())
	written, err := s.writeFile(storagePath, r)
	if err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("persist upload: %w", err)
	}

	// Accounting is based on bytes actually written, not the declared size;
	// a stream that does not match its declaration is refused outright.
	if written != size {
		os.Remove(storagePath)
		return nil, fmt.Errorf("upload %q declared %d bytes but sent %d", name, size, written)
	}

	scanStatus, signature, err := s.scanFile(ctx, storagePath)
	if err != nil || scanStatus == models.ScanStatusError {
		os.Remove(storagePath)
		log.Printf("UploadSession: scan unavailable for %q in session %s: %v", name, token, err)
		return nil, reject(RejectScanUnavailable, "malware scanning is unavailable, file refused")
	}
	if scanStatus == models.ScanStatusInfected {
		os.Remove(storagePath)
		s.auditMalware(session, name, signature)
		log.Printf("UploadSession: MALWARE detected in %q (session %s): %s", name, token, signature)
		return nil, reject(RejectMalwareDetected, "file %q failed the malware scan", name)
	}

	file := &models.UploadedFile{
		SessionID:   session.ID,
		Name:        name,
		Size:        written,
		StoragePath: storagePath,
		ScanStatus:  models.ScanStatusClean,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(file).Error; err != nil {
			return err
		}
		return tx.Model(session).Updates(map[string]interface{}{
			"total_bytes":      session.TotalBytes + written,
			"file_count":       session.FileCount + 1,
			"last_activity_at": time.Now().UTC(),
		}).Error
	})
	if err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("record accepted file: %w", err)
	}

	return file, nil
}

// RemoveFile removes the named file from the session, deletes its bytes and
// adjusts the byte accounting.
func (s *UploadSessionService) RemoveFile(ctx context.Context, token, name string) error {
	l := s.locks.acquire(token)
	defer s.locks.release(token, l)

	session, err := s.loadForUpdate(ctx, token)
	if err != nil {
		return err
	}
	if !session.IsActive() {
		return reject(RejectSessionNotActive, "session %s is %s", token, session.Status)
	}

	var file models.UploadedFile
	err = s.db.WithContext(ctx).Where("session_id = ? AND name = ?", session.ID, name).First(&file).Error
	if err == gorm.ErrRecordNotFound {
		return reject(RejectFileNotFound, "no file named %q in this session", name)
	}
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&file).Error; err != nil {
			return err
		}
		return tx.Model(session).Updates(map[string]interface{}{
			"total_bytes":      session.TotalBytes - file.Size,
			"file_count":       session.FileCount - 1,
			"last_activity_at": time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("remove file: %w", err)
	}

	// Row is gone; the bytes go too. Tolerate already-deleted.
	if err := os.Remove(file.StoragePath); err != nil && !os.IsNotExist(err) {
		log.Printf("UploadSession: failed to delete bytes for %q: %v", name, err)
	}

	return nil
}

// Finalize transitions ACTIVE -> FINALIZED and returns the immutable file
// set for packaging. Fails on a terminal session or a session with no files.
func (s *UploadSessionService) Finalize(ctx context.Context, token string) (*FileSet, error) {
	return s.FinalizeWith(ctx, token, nil)
}

// FinalizeWith runs commit inside the same transaction as the FINALIZED
// status flip. The caller inserts its downstream rows (submission, packaging
// job) through the passed tx; if any insert fails the session stays ACTIVE
// and the donor can retry. A session can therefore never end up FINALIZED
// without its packaging handoff committed.
func (s *UploadSessionService) FinalizeWith(ctx context.Context, token string, commit func(tx *gorm.DB, set *FileSet) error) (*FileSet, error) {
	l := s.locks.acquire(token)
	defer s.locks.release(token, l)

	var session models.UploadSession
	var set *FileSet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("token = ?", token).First(&session).Error
		if err == gorm.ErrRecordNotFound {
			return reject(RejectSessionNotFound, "no session for token %s", token)
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if !session.IsActive() {
			return reject(RejectSessionNotActive, "session %s is %s", token, session.Status)
		}

		var files []models.UploadedFile
		if err := tx.Where("session_id = ?", session.ID).Order("id").Find(&files).Error; err != nil {
			return fmt.Errorf("load files: %w", err)
		}
		if len(files) == 0 {
			return reject(RejectNoFiles, "a submission needs at least one file")
		}

		if err := tx.Model(&session).
			Update("status", models.SessionStatusFinalized).Error; err != nil {
			return fmt.Errorf("finalize session: %w", err)
		}

		set = &FileSet{SessionToken: token, TotalBytes: session.TotalBytes}
		for _, f := range files {
			set.Files = append(set.Files, FileRecord{Name: f.Name, Size: f.Size, StoragePath: f.StoragePath})
		}
		if commit != nil {
			return commit(tx, set)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.auditSession(models.AuditActionFinalize, &session, token,
		fmt.Sprintf("session finalized with %d files (%d bytes)", len(set.Files), set.TotalBytes))
	return set, nil
}

// ExpireIfInactive transitions ACTIVE -> EXPIRED when the session has been
// idle past the inactivity window, deleting its stored bytes. Idempotent: an
// already-terminal session is left alone (its storage cleanup is retried,
// which tolerates already-deleted). Returns true when a transition happened.
func (s *UploadSessionService) ExpireIfInactive(ctx context.Context, token string, now time.Time) (bool, error) {
	if s.inactivityWindow <= 0 {
		return false, nil
	}

	l := s.locks.acquire(token)
	defer s.locks.release(token, l)

	session, err := s.loadForUpdate(ctx, token)
	if err != nil {
		return false, err
	}

	switch session.Status {
	case models.SessionStatusExpired, models.SessionStatusRemoved:
		// Retry of the cleanup half only; a crash may have left storage behind
		return false, s.deleteStorage(token)
	case models.SessionStatusFinalized:
		return false, nil
	}

	// Re-check under the lock: a file accepted between the sweeper's query
	// and this call means the session simply loses its place in the sweep.
	if now.Sub(session.LastActivityAt) <= s.inactivityWindow {
		return false, nil
	}

	// Storage first, then the state transition. A crash in between leaves
	// the session ACTIVE and the next sweep retries the (idempotent) delete.
	if err := s.deleteStorage(token); err != nil {
		return false, err
	}

	if err := s.db.WithContext(ctx).Model(session).
		Update("status", models.SessionStatusExpired).Error; err != nil {
		return false, fmt.Errorf("expire session: %w", err)
	}

	s.auditSession(models.AuditActionExpire, session, token,
		fmt.Sprintf("session expired after %v of inactivity", s.inactivityWindow))
	return true, nil
}

// Remove is the user-initiated delete: same cleanup as expiry, different
// terminal state. Idempotent for already expired/removed sessions.
func (s *UploadSessionService) Remove(ctx context.Context, token string) error {
	l := s.locks.acquire(token)
	defer s.locks.release(token, l)

	session, err := s.loadForUpdate(ctx, token)
	if err != nil {
		return err
	}

	switch session.Status {
	case models.SessionStatusExpired, models.SessionStatusRemoved:
		return s.deleteStorage(token)
	case models.SessionStatusFinalized:
		return reject(RejectSessionNotActive, "session %s is %s", token, session.Status)
	}

	if err := s.deleteStorage(token); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Model(session).
		Update("status", models.SessionStatusRemoved).Error
}

// MarkReminderSent records that the expiry reminder went out, under the
// session lock so it cannot race a terminal transition.
func (s *UploadSessionService) MarkReminderSent(ctx context.Context, token string, at time.Time) error {
	l := s.locks.acquire(token)
	defer s.locks.release(token, l)

	session, err := s.loadForUpdate(ctx, token)
	if err != nil {
		return err
	}
	if !session.IsActive() {
		return reject(RejectSessionNotActive, "session %s is %s", token, session.Status)
	}

	return s.db.WithContext(ctx).Model(session).Update("reminder_sent_at", at).Error
}

// ReleaseStorage deletes the session's temp directory once the packager has
// copied the payload out. Idempotent.
func (s *UploadSessionService) ReleaseStorage(token string) error {
	l := s.locks.acquire(token)
	defer s.locks.release(token, l)
	return s.deleteStorage(token)
}

func (s *UploadSessionService) sessionDir(token string) string {
	return filepath.Join(s.tempDir, token)
}

func (s *UploadSessionService) deleteStorage(token string) error {
	if err := os.RemoveAll(s.sessionDir(token)); err != nil {
		return fmt.Errorf("delete session storage: %w", err)
	}
	return nil
}

func (s *UploadSessionService) loadForUpdate(ctx context.Context, token string) (*models.UploadSession, error) {
	var session models.UploadSession
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&session).Error
	if err == gorm.ErrRecordNotFound {
		return nil, reject(RejectSessionNotFound, "no session for token %s", token)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &session, nil
}

func (s *UploadSessionService) writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}

	// Cap the copy just past the per-file ceiling; validation catches the
	// overflow by byte count without us buffering an unbounded stream.
	written, err := io.Copy(f, io.LimitReader(r, s.maxSingleFileSize+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return written, err
}

func (s *UploadSessionService) scanFile(ctx context.Context, path string) (models.ScanStatus, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.ScanStatusError, "", err
	}
	defer f.Close()

	result, err := s.scanner.Scan(ctx, f)
	if err != nil {
		return models.ScanStatusError, "", err
	}

	switch result.Status {
	case clamav.StatusClean:
		return models.ScanStatusClean, "", nil
	case clamav.StatusInfected:
		return models.ScanStatusInfected, result.Signature, nil
	default:
		return models.ScanStatusError, "", fmt.Errorf("scanner error: %s", result.Detail)
	}
}

func (s *UploadSessionService) auditMalware(session *models.UploadSession, name, signature string) {
	s.auditSession(models.AuditActionMalwareDetected, session, name,
		fmt.Sprintf("malware signature %q detected in upload %q", signature, name))
}

// auditSession records a session lifecycle event. Best-effort: a failed
// write is logged but never fails the operation it describes.
func (s *UploadSessionService) auditSession(action models.AuditAction, session *models.UploadSession, entityName, description string) {
	entry := models.AuditLog{
		Action:      action,
		EntityType:  "session",
		EntityID:    session.ID,
		EntityName:  entityName,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.Create(&entry).Error; err != nil {
		log.Printf("UploadSession: failed to write %s audit entry: %v", action, err)
	}
}
