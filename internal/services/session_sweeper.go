package services

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/recordtransfer/backend/internal/config"
	"github.com/recordtransfer/backend/internal/models"
)

// ExpiryNotifier sends the about-to-expire reminder for an in-progress
// submission. Implemented by EmailService; faked in tests.
type ExpiryNotifier interface {
	SendExpiryReminder(submission *models.InProgressSubmission, expiresAt time.Time) error
}

// SessionSweeperService runs the two background passes over upload sessions:
// a cleanup pass that expires sessions idle past the inactivity window, and a
// reminder pass that emails owners of sessions approaching expiry. Both go
// through the session manager so every per-session action holds the same
// per-token lock as live upload traffic.
type SessionSweeperService struct {
	db       *gorm.DB
	manager  *UploadSessionService
	notifier ExpiryNotifier

	inactivityWindow time.Duration
	reminderWindow   time.Duration
	cleanupInterval  time.Duration
	reminderInterval time.Duration

	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewSessionSweeperService creates the sweeper
func NewSessionSweeperService(db *gorm.DB, manager *UploadSessionService, notifier ExpiryNotifier, cfg *config.Config) *SessionSweeperService {
	return &SessionSweeperService{
		db:               db,
		manager:          manager,
		notifier:         notifier,
		inactivityWindow: time.Duration(cfg.InactivityWindowMinutes) * time.Minute,
		reminderWindow:   time.Duration(cfg.ReminderWindowMinutes) * time.Minute,
		cleanupInterval:  time.Duration(cfg.CleanupIntervalMinutes) * time.Minute,
		reminderInterval: time.Duration(cfg.ReminderIntervalMinutes) * time.Minute,
		stopChan:         make(chan struct{}),
	}
}

// Start begins the sweeper. No-op when the inactivity window is disabled or
// no pass has both a window and a positive interval.
func (s *SessionSweeperService) Start() {
	if s.inactivityWindow <= 0 {
		log.Println("SessionSweeper: inactivity window disabled, sweeper not started")
		return
	}
	if s.cleanupInterval <= 0 && (s.reminderWindow <= 0 || s.reminderInterval <= 0) {
		log.Println("SessionSweeper: no pass intervals configured, sweeper not started")
		return
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("SessionSweeper started (window: %v, cleanup every %v, reminders every %v)",
		s.inactivityWindow, s.cleanupInterval, s.reminderInterval)
}

// Stop stops the sweeper
func (s *SessionSweeperService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("SessionSweeper stopped")
}

func (s *SessionSweeperService) run() {
	defer s.wg.Done()

	// An interval of 0 disables that pass; a nil channel never fires
	var cleanupC <-chan time.Time
	if s.cleanupInterval > 0 {
		cleanup := time.NewTicker(s.cleanupInterval)
		defer cleanup.Stop()
		cleanupC = cleanup.C
	}

	var reminderC <-chan time.Time
	if s.reminderWindow > 0 && s.reminderInterval > 0 {
		reminder := time.NewTicker(s.reminderInterval)
		defer reminder.Stop()
		reminderC = reminder.C
	}

	for {
		select {
		case <-s.stopChan:
			return
		case <-cleanupC:
			s.CleanupPass(time.Now().UTC())
		case <-reminderC:
			s.ReminderPass(time.Now().UTC())
		}
	}
}

// CleanupPass expires every ACTIVE session idle past the inactivity window
// and retires its in-progress submission. A session that receives an upload
// between the query and the expire call simply loses the race: the manager
// re-checks inactivity under the session lock. One session failing never
// aborts the pass.
func (s *SessionSweeperService) CleanupPass(now time.Time) {
	if s.inactivityWindow <= 0 {
		return
	}

	cutoff := now.Add(-s.inactivityWindow)

	var tokens []string
	err := s.db.Model(&models.UploadSession{}).
		Where("status = ? AND last_activity_at < ?", models.SessionStatusActive, cutoff).
		Pluck("token", &tokens).Error
	if err != nil {
		log.Printf("SessionSweeper: cleanup query failed: %v", err)
		return
	}

	expired := 0
	for _, token := range tokens {
		ok, err := s.manager.ExpireIfInactive(context.Background(), token, now)
		if err != nil {
			log.Printf("SessionSweeper: failed to expire session %s: %v", token, err)
			continue
		}
		if !ok {
			continue
		}
		expired++
		s.retireSubmission(token)
	}

	if expired > 0 {
		log.Printf("SessionSweeper: expired %d sessions (idle since %v)", expired, cutoff)
	}
}

// retireSubmission soft-deletes the in-progress submission owning the now
// expired session so the wizard cannot resume it.
func (s *SessionSweeperService) retireSubmission(token string) {
	var session models.UploadSession
	if err := s.db.Where("token = ?", token).First(&session).Error; err != nil {
		return
	}

	err := s.db.Where("upload_session_id = ?", session.ID).
		Delete(&models.InProgressSubmission{}).Error
	if err != nil {
		log.Printf("SessionSweeper: failed to retire submission for session %s: %v", token, err)
	}
}

// ReminderPass emails the owner of every ACTIVE session that will expire
// within the reminder window and has not been reminded yet. The sent flag is
// recorded through the session manager so it cannot race an expiry.
func (s *SessionSweeperService) ReminderPass(now time.Time) {
	if s.inactivityWindow <= 0 || s.reminderWindow <= 0 {
		return
	}

	// Sessions whose expiry moment (lastActivity + window) falls inside
	// [now, now+reminderWindow), not yet reminded.
	lower := now.Add(-s.inactivityWindow)
	upper := now.Add(s.reminderWindow - s.inactivityWindow)

	var sessions []models.UploadSession
	err := s.db.
		Where("status = ? AND reminder_sent_at IS NULL AND last_activity_at >= ? AND last_activity_at < ?",
			models.SessionStatusActive, lower, upper).
		Find(&sessions).Error
	if err != nil {
		log.Printf("SessionSweeper: reminder query failed: %v", err)
		return
	}

	for _, session := range sessions {
		var submission models.InProgressSubmission
		if err := s.db.Where("upload_session_id = ?", session.ID).First(&submission).Error; err != nil {
			// Session with no wizard wrapper; nobody to remind
			continue
		}
		if submission.ContactEmail == "" {
			continue
		}

		expiresAt := session.ExpiresAt(s.inactivityWindow)
		if err := s.notifier.SendExpiryReminder(&submission, expiresAt); err != nil {
			log.Printf("SessionSweeper: reminder email failed for %s: %v", submission.ContactEmail, err)
			continue
		}

		if err := s.manager.MarkReminderSent(context.Background(), session.Token, now); err != nil {
			// Session went terminal between query and send; nothing to mark
			log.Printf("SessionSweeper: could not mark reminder sent for session %s: %v", session.Token, err)
		}
	}
}
