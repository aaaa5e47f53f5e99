package services

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/recordtransfer/backend/internal/config"
	"github.com/recordtransfer/backend/internal/models"
)

func newTestWorker(t *testing.T) (*PackagingWorkerService, *UploadSessionService, *gorm.DB, string) {
	t.Helper()
	bagDir := t.TempDir()
	cfg := &config.Config{
		UploadTempDir:           t.TempDir(),
		MaxSingleFileSize:       4 << 20,
		MaxTotalSize:            16 << 20,
		MaxFileCount:            10,
		InactivityWindowMinutes: 60,
		BagStorageDir:           bagDir,
		ChecksumAlgorithms:      []string{"sha256"},
	}

	db := newTestDB(t)
	manager := NewUploadSessionService(db, &fakeScanner{}, cfg)
	manager.GroupsFn = func() ExtensionGroups { return DefaultExtensionGroups }

	worker, err := NewPackagingWorkerService(db, manager, nil, cfg)
	require.NoError(t, err)
	return worker, manager, db, bagDir
}

// finalizeSubmission uploads files, finalizes the session and enqueues the
// packaging job, returning the submission row.
func finalizeSubmission(t *testing.T, worker *PackagingWorkerService, manager *UploadSessionService, db *gorm.DB) (*models.Submission, *FileSet) {
	t.Helper()
	ctx := context.Background()

	session, err := manager.CreateSession(ctx)
	require.NoError(t, err)
	_, err = manager.AcceptFile(ctx, session.Token, "diary.txt", 10, bytes.NewReader([]byte("dear diary")))
	require.NoError(t, err)
	_, err = manager.AcceptFile(ctx, session.Token, "photo.png", 5, bytes.NewReader([]byte("image")))
	require.NoError(t, err)

	// Same atomic handoff the completion endpoint uses: status flip,
	// submission row and job row in one transaction.
	var submission models.Submission
	set, err := manager.FinalizeWith(ctx, session.Token,
		func(tx *gorm.DB, set *FileSet) error {
			submission = models.Submission{
				UUID:           "sub-" + session.Token,
				ContactName:    "Pat Donor",
				ContactEmail:   "pat@example.org",
				AccessionTitle: "Family papers",
				Status:         models.SubmissionStatusReceived,
				FileCount:      len(set.Files),
				TotalBytes:     set.TotalBytes,
			}
			if err := tx.Create(&submission).Error; err != nil {
				return err
			}
			return worker.EnqueueTx(tx, &submission, set)
		})
	require.NoError(t, err)
	return &submission, set
}

func TestProcessPendingBuildsBag(t *testing.T) {
	worker, manager, db, bagDir := newTestWorker(t)
	submission, set := finalizeSubmission(t, worker, manager, db)

	worker.ProcessPending()

	var job models.PackagingJob
	require.NoError(t, db.Where("submission_id = ?", submission.ID).First(&job).Error)
	assert.Equal(t, models.PackagingJobDone, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.LastError)
	assert.NotNil(t, job.FinishedAt)

	var loaded models.Submission
	require.NoError(t, db.First(&loaded, submission.ID).Error)
	assert.Equal(t, models.SubmissionStatusPackaged, loaded.Status)

	bagPath := filepath.Join(bagDir, submission.UUID)
	assert.Equal(t, bagPath, loaded.BagPath)

	payload, err := os.ReadFile(filepath.Join(bagPath, "data", "diary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "dear diary", string(payload))

	require.NoError(t, worker.builder.Verify(bagPath))

	// Session temp storage is released once the bag owns copies
	_, err = os.Stat(manager.sessionDir(set.SessionToken))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessPendingFailureMarksJobAndSubmission(t *testing.T) {
	worker, _, db, _ := newTestWorker(t)

	submission := &models.Submission{UUID: "sub-broken", Status: models.SubmissionStatusReceived}
	require.NoError(t, db.Create(submission).Error)

	// File set whose bytes no longer exist
	set := FileSet{
		SessionToken: "gone",
		Files:        []FileRecord{{Name: "lost.txt", Size: 4, StoragePath: "/nonexistent/lost"}},
		TotalBytes:   4,
	}
	require.NoError(t, worker.Enqueue(context.Background(), submission, &set))

	worker.ProcessPending()

	var job models.PackagingJob
	require.NoError(t, db.Where("submission_id = ?", submission.ID).First(&job).Error)
	assert.Equal(t, models.PackagingJobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.LastError)

	var loaded models.Submission
	require.NoError(t, db.First(&loaded, submission.ID).Error)
	assert.Equal(t, models.SubmissionStatusFailed, loaded.Status)
}

func TestProcessPendingRetriesUntilAttemptCap(t *testing.T) {
	worker, _, db, _ := newTestWorker(t)

	submission := &models.Submission{UUID: "sub-retry", Status: models.SubmissionStatusReceived}
	require.NoError(t, db.Create(submission).Error)
	set := FileSet{
		SessionToken: "gone",
		Files:        []FileRecord{{Name: "lost.txt", Size: 4, StoragePath: "/nonexistent/lost"}},
	}
	require.NoError(t, worker.Enqueue(context.Background(), submission, &set))

	for i := 0; i < maxPackagingAttempts+2; i++ {
		worker.ProcessPending()
	}

	var job models.PackagingJob
	require.NoError(t, db.Where("submission_id = ?", submission.ID).First(&job).Error)
	assert.Equal(t, models.PackagingJobFailed, job.Status)
	assert.Equal(t, maxPackagingAttempts, job.Attempts)
}

func TestRecoverStuckJobs(t *testing.T) {
	worker, manager, db, _ := newTestWorker(t)
	submission, _ := finalizeSubmission(t, worker, manager, db)

	// Simulate a crash mid-build
	require.NoError(t, db.Model(&models.PackagingJob{}).
		Where("submission_id = ?", submission.ID).
		Update("status", models.PackagingJobInProgress).Error)

	worker.recoverStuckJobs()

	var job models.PackagingJob
	require.NoError(t, db.Where("submission_id = ?", submission.ID).First(&job).Error)
	assert.Equal(t, models.PackagingJobPending, job.Status)

	// And the requeued job completes
	worker.ProcessPending()
	require.NoError(t, db.Where("submission_id = ?", submission.ID).First(&job).Error)
	assert.Equal(t, models.PackagingJobDone, job.Status)
}

func TestProcessPendingAdoptsPrebuiltBag(t *testing.T) {
	worker, manager, db, bagDir := newTestWorker(t)
	submission, _ := finalizeSubmission(t, worker, manager, db)

	// First run builds the bag
	worker.ProcessPending()

	bagPath := filepath.Join(bagDir, submission.UUID)
	_, err := os.Stat(bagPath)
	require.NoError(t, err)

	// A crash after the build but before the row update means the job runs
	// again against an existing valid bag; it must adopt it, not fail.
	require.NoError(t, db.Model(&models.PackagingJob{}).
		Where("submission_id = ?", submission.ID).
		Updates(map[string]interface{}{"status": models.PackagingJobPending, "attempts": 0}).Error)

	worker.ProcessPending()

	var job models.PackagingJob
	require.NoError(t, db.Where("submission_id = ?", submission.ID).First(&job).Error)
	assert.Equal(t, models.PackagingJobDone, job.Status)

	require.NoError(t, worker.builder.Verify(bagPath))
}
