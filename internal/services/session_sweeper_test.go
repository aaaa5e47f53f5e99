package services

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/recordtransfer/backend/internal/config"
	"github.com/recordtransfer/backend/internal/models"
)

// fakeNotifier records reminder sends; fails when failing is set
type fakeNotifier struct {
	mu      sync.Mutex
	sent    []string
	failing bool
}

func (f *fakeNotifier) SendExpiryReminder(submission *models.InProgressSubmission, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return fmt.Errorf("smtp down")
	}
	f.sent = append(f.sent, submission.ContactEmail)
	return nil
}

func (f *fakeNotifier) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestSweeper(t *testing.T, notifier ExpiryNotifier) (*SessionSweeperService, *UploadSessionService, *gorm.DB) {
	t.Helper()
	cfg := &config.Config{
		UploadTempDir:           t.TempDir(),
		MaxSingleFileSize:       4 << 20,
		MaxTotalSize:            16 << 20,
		MaxFileCount:            10,
		InactivityWindowMinutes: 60,
		ReminderWindowMinutes:   120,
		CleanupIntervalMinutes:  5,
		ReminderIntervalMinutes: 5,
	}

	db := newTestDB(t)
	manager := NewUploadSessionService(db, &fakeScanner{}, cfg)
	manager.GroupsFn = func() ExtensionGroups { return DefaultExtensionGroups }
	sweeper := NewSessionSweeperService(db, manager, notifier, cfg)
	return sweeper, manager, db
}

// startSession creates a session with one file and a wizard wrapper
func startSession(t *testing.T, manager *UploadSessionService, db *gorm.DB, email string) *models.UploadSession {
	t.Helper()
	session, err := manager.CreateSession(context.Background())
	require.NoError(t, err)

	_, err = manager.AcceptFile(context.Background(), session.Token, "doc.pdf", 4, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	submission := models.InProgressSubmission{
		UUID:            "wizard-" + session.Token,
		ContactEmail:    email,
		AccessionTitle:  "Test accession",
		UploadSessionID: &session.ID,
	}
	require.NoError(t, db.Create(&submission).Error)
	return session
}

func backdate(t *testing.T, db *gorm.DB, token string, age time.Duration) {
	t.Helper()
	require.NoError(t, db.Model(&models.UploadSession{}).
		Where("token = ?", token).
		Update("last_activity_at", time.Now().UTC().Add(-age)).Error)
}

func TestCleanupPassExpiresIdleSessions(t *testing.T) {
	sweeper, manager, db := newTestSweeper(t, &fakeNotifier{})

	idle := startSession(t, manager, db, "idle@example.org")
	fresh := startSession(t, manager, db, "fresh@example.org")
	backdate(t, db, idle.Token, 2*time.Hour)

	sweeper.CleanupPass(time.Now().UTC())

	var idleLoaded, freshLoaded models.UploadSession
	require.NoError(t, db.Where("token = ?", idle.Token).First(&idleLoaded).Error)
	require.NoError(t, db.Where("token = ?", fresh.Token).First(&freshLoaded).Error)
	assert.Equal(t, models.SessionStatusExpired, idleLoaded.Status)
	assert.Equal(t, models.SessionStatusActive, freshLoaded.Status)

	// The expired session's wizard wrapper is retired, the fresh one is not
	var retired models.InProgressSubmission
	err := db.Where("upload_session_id = ?", idle.ID).First(&retired).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	err = db.Where("upload_session_id = ?", fresh.ID).First(&retired).Error
	assert.NoError(t, err)
}

func TestCleanupPassSkipsFinalized(t *testing.T) {
	sweeper, manager, db := newTestSweeper(t, &fakeNotifier{})

	session := startSession(t, manager, db, "done@example.org")
	_, err := manager.Finalize(context.Background(), session.Token)
	require.NoError(t, err)
	backdate(t, db, session.Token, 2*time.Hour)

	sweeper.CleanupPass(time.Now().UTC())

	var loaded models.UploadSession
	require.NoError(t, db.Where("token = ?", session.Token).First(&loaded).Error)
	assert.Equal(t, models.SessionStatusFinalized, loaded.Status)
}

func TestReminderPassSendsOnce(t *testing.T) {
	notifier := &fakeNotifier{}
	sweeper, manager, db := newTestSweeper(t, notifier)

	// Expires within the reminder window
	session := startSession(t, manager, db, "donor@example.org")
	backdate(t, db, session.Token, 30*time.Minute)

	now := time.Now().UTC()
	sweeper.ReminderPass(now)
	assert.Equal(t, []string{"donor@example.org"}, notifier.sentTo())

	var loaded models.UploadSession
	require.NoError(t, db.Where("token = ?", session.Token).First(&loaded).Error)
	require.NotNil(t, loaded.ReminderSentAt)

	// Second pass does not re-send
	sweeper.ReminderPass(now.Add(time.Minute))
	assert.Len(t, notifier.sentTo(), 1)
}

func TestReminderPassSkipsSessionsWithoutContact(t *testing.T) {
	notifier := &fakeNotifier{}
	sweeper, manager, db := newTestSweeper(t, notifier)

	session := startSession(t, manager, db, "")
	backdate(t, db, session.Token, 30*time.Minute)

	sweeper.ReminderPass(time.Now().UTC())
	assert.Empty(t, notifier.sentTo())

	// Not marked either, so a later configured contact could still be reminded
	var loaded models.UploadSession
	require.NoError(t, db.Where("token = ?", session.Token).First(&loaded).Error)
	assert.Nil(t, loaded.ReminderSentAt)
}

func TestReminderPassSendFailureLeavesUnmarked(t *testing.T) {
	notifier := &fakeNotifier{failing: true}
	sweeper, manager, db := newTestSweeper(t, notifier)

	session := startSession(t, manager, db, "donor@example.org")
	backdate(t, db, session.Token, 30*time.Minute)

	sweeper.ReminderPass(time.Now().UTC())

	// Failed send is retried on the next pass
	var loaded models.UploadSession
	require.NoError(t, db.Where("token = ?", session.Token).First(&loaded).Error)
	assert.Nil(t, loaded.ReminderSentAt)

	notifier.failing = false
	sweeper.ReminderPass(time.Now().UTC())
	assert.Equal(t, []string{"donor@example.org"}, notifier.sentTo())
}

func TestStartToleratesDisabledIntervals(t *testing.T) {
	db := newTestDB(t)

	// 0 means the pass is off; Start must not tick (or crash) for it
	cases := []struct {
		name     string
		cleanup  int
		reminder int
	}{
		{"no cleanup", 0, 5},
		{"no reminders", 5, 0},
		{"nothing to run", 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{
				UploadTempDir:           t.TempDir(),
				InactivityWindowMinutes: 60,
				ReminderWindowMinutes:   120,
				CleanupIntervalMinutes:  tc.cleanup,
				ReminderIntervalMinutes: tc.reminder,
			}
			manager := NewUploadSessionService(db, &fakeScanner{}, cfg)
			sweeper := NewSessionSweeperService(db, manager, &fakeNotifier{}, cfg)
			sweeper.Start()
			sweeper.Stop()
		})
	}
}

func TestStartStop(t *testing.T) {
	sweeper, _, _ := newTestSweeper(t, &fakeNotifier{})

	sweeper.Start()
	sweeper.Start() // second start is a no-op
	sweeper.Stop()
	sweeper.Stop() // second stop is a no-op
}
